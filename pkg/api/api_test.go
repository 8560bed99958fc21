package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"github.com/promptmux/promptmux/pkg/balancer"
	"github.com/promptmux/promptmux/pkg/banword"
	"github.com/promptmux/promptmux/pkg/logging"
	"github.com/promptmux/promptmux/pkg/models"
	"github.com/promptmux/promptmux/pkg/orchestrator"
	"github.com/promptmux/promptmux/pkg/store"
)

type fakeManager struct {
	inited      []string
	disposed    []string
	reconnected []string
}

func (f *fakeManager) InitAccount(_ context.Context, a *models.Account) error {
	f.inited = append(f.inited, a.ChannelID)
	return nil
}
func (f *fakeManager) DisposeAccount(id string) { f.disposed = append(f.disposed, id) }
func (f *fakeManager) ReconnectAccount(_ context.Context, id string) error {
	f.reconnected = append(f.reconnected, id)
	return nil
}

func newTestServer(t *testing.T, secret string) (*httptest.Server, store.Store, *fakeManager) {
	t.Helper()
	st := store.NewMemoryStore()
	log := logging.NewLogger(logging.ERROR, false)
	bal := balancer.New(balancer.BestIdleRule{})
	banned := banword.NewCache([]string{"forbidden"}, nil)
	orch := orchestrator.New(bal, st, nil, banned, func(string) orchestrator.Upstream { return nil }, log)
	mgr := &fakeManager{}

	h := NewHandler(orch, st, mgr, bal, secret, 0, log)
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, st, mgr
}

func doJSON(t *testing.T, method, url, secret string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

// TestAuthSecretRequired verifies /mj routes reject requests without the
// configured secret and accept the bearer form.
func TestAuthSecretRequired(t *testing.T) {
	srv, _, _ := newTestServer(t, "s3cret")

	resp := doJSON(t, "GET", srv.URL+"/mj/task/list", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("without secret: got %d, want 401", resp.StatusCode)
	}

	resp = doJSON(t, "GET", srv.URL+"/mj/task/list", "s3cret", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("with secret: got %d, want 200", resp.StatusCode)
	}

	// Health stays open for probes.
	resp = doJSON(t, "GET", srv.URL+"/health", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health without secret: got %d, want 200", resp.StatusCode)
	}
}

// TestSubmitImagineValidation verifies an empty prompt maps to 400 with the
// validation code.
func TestSubmitImagineValidation(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	resp := doJSON(t, "POST", srv.URL+"/mj/submit/imagine", "", ImagineRequest{Prompt: "  "})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", resp.StatusCode)
	}
	var res models.SubmitResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Code != models.SubmitValidation {
		t.Errorf("code = %d, want %d", res.Code, models.SubmitValidation)
	}
}

// TestSubmitImagineNoAccount verifies submissions without any live account
// map to 503.
func TestSubmitImagineNoAccount(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	resp := doJSON(t, "POST", srv.URL+"/mj/submit/imagine", "", ImagineRequest{Prompt: "a red fox"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("got %d, want 503", resp.StatusCode)
	}
	var res models.SubmitResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Code != models.SubmitNoAccount {
		t.Errorf("code = %d, want %d", res.Code, models.SubmitNoAccount)
	}
}

// TestSubmitBannedPrompt verifies the banned-word check surfaces as a
// validation failure before any account is consulted.
func TestSubmitBannedPrompt(t *testing.T) {
	srv, st, _ := newTestServer(t, "")

	resp := doJSON(t, "POST", srv.URL+"/mj/submit/imagine", "", ImagineRequest{Prompt: "a forbidden scene"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", resp.StatusCode)
	}
	if n := st.CountJobs(); n != 0 {
		t.Errorf("store has %d jobs, want 0", n)
	}
}

// TestFetchTask verifies the task fetch round trip and the 404 path.
func TestFetchTask(t *testing.T) {
	srv, st, _ := newTestServer(t, "")

	job := models.NewJob(models.ActionImagine)
	job.Prompt = "a lighthouse"
	if err := st.SaveJob(job); err != nil {
		t.Fatalf("save job: %v", err)
	}

	resp := doJSON(t, "GET", srv.URL+"/mj/task/"+job.ID+"/fetch", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got %d, want 200", resp.StatusCode)
	}
	var got models.Job
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != job.ID || got.Prompt != "a lighthouse" {
		t.Errorf("unexpected job: %+v", &got)
	}

	resp = doJSON(t, "GET", srv.URL+"/mj/task/nope/fetch", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown id: got %d, want 404", resp.StatusCode)
	}
}

// TestListTasksStatusFilter verifies the status query parameter.
func TestListTasksStatusFilter(t *testing.T) {
	srv, st, _ := newTestServer(t, "")

	for i := 0; i < 3; i++ {
		j := models.NewJob(models.ActionImagine)
		j.Prompt = fmt.Sprintf("p%d", i)
		if i == 0 {
			j.Transition(models.StatusSubmitted)
			j.Fail("boom")
		}
		if err := st.SaveJob(j); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	resp := doJSON(t, "GET", srv.URL+"/mj/task/list?status=FAILURE", "", nil)
	defer resp.Body.Close()
	var jobs []*models.Job
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != models.StatusFailure {
		t.Errorf("got %d jobs, want 1 failed", len(jobs))
	}
}

// TestAccountAdminFlow covers create, fetch with masked token, and delete.
func TestAccountAdminFlow(t *testing.T) {
	srv, st, mgr := newTestServer(t, "")

	account := &models.Account{
		ChannelID: "chan-1",
		UserToken: "tok-aaaa-bbbb-cccc",
		EnableMJ:  true,
		Enabled:   true,
		CoreSize:  3,
	}
	resp := doJSON(t, "POST", srv.URL+"/mj/account", "", account)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: got %d, want 201", resp.StatusCode)
	}
	if len(mgr.inited) != 1 || mgr.inited[0] != "chan-1" {
		t.Errorf("manager inited = %v, want [chan-1]", mgr.inited)
	}

	resp = doJSON(t, "GET", srv.URL+"/mj/account/chan-1/fetch", "", nil)
	body := new(bytes.Buffer)
	if _, err := body.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	resp.Body.Close()
	if strings.Contains(body.String(), "tok-aaaa-bbbb-cccc") {
		t.Error("response leaks the raw user token")
	}
	if !strings.Contains(body.String(), "tok-****") {
		t.Errorf("response missing masked token: %s", body.String())
	}

	resp = doJSON(t, "DELETE", srv.URL+"/mj/account/chan-1", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: got %d, want 200", resp.StatusCode)
	}
	if len(mgr.disposed) != 1 {
		t.Errorf("manager disposed = %v, want one entry", mgr.disposed)
	}
	if _, err := st.GetAccount("chan-1"); err == nil {
		t.Error("account still present after delete")
	}
}

// TestCancelUnknownTask verifies cancel of a missing job returns 404.
func TestCancelUnknownTask(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	resp := doJSON(t, "POST", srv.URL+"/mj/task/nope/cancel", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("got %d, want 404", resp.StatusCode)
	}
}
