package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spsoc/batchmailer/internal/campaign"
	"github.com/spsoc/batchmailer/internal/config"
	"github.com/spsoc/batchmailer/internal/csvlist"
	"github.com/spsoc/batchmailer/internal/engine"
	"github.com/spsoc/batchmailer/internal/mailer"
	"github.com/spsoc/batchmailer/internal/pkg/distlock"
	"github.com/spsoc/batchmailer/internal/templates"
)

const testSessionID = "5b1f2d6e-8c1a-4f29-9d7a-3e4b5c6d7e8f"

const testCSV = "Email,First Name\n" +
	"alice@example.com,Alice\n" +
	"bob@example.com,Bob\n" +
	"not-an-email,Carol\n" +
	"dave@example.com,Dave\n"

type fakeMailer struct {
	mu      sync.Mutex
	sent    []string
	failFor map[string]error
}

func (f *fakeMailer) Send(ctx context.Context, msg mailer.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failFor[msg.To]; ok {
		return err
	}
	f.sent = append(f.sent, msg.To)
	return nil
}

type apiTest struct {
	router http.Handler
	mailer *fakeMailer
	redis  *redis.Client
	csvDir string
	logDir string
	states campaign.Store
	tpls   *templates.Store
}

func setupAPITest(t *testing.T) *apiTest {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	dataDir := t.TempDir()
	csvDir := filepath.Join(dataDir, "csv")
	tplDir := filepath.Join(dataDir, "templates")
	logDir := filepath.Join(dataDir, "logs")

	csvs, err := csvlist.NewStore(csvDir)
	require.NoError(t, err)
	tpls, err := templates.NewStore(tplDir)
	require.NoError(t, err)
	logs, err := engine.NewLogStore(logDir)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Sending.DefaultBatchSize = 50
	cfg.Sending.PreviewRows = 100
	cfg.Org.Name = "Example Org"
	cfg.Org.Email = "hello@example.org"

	fm := &fakeMailer{failFor: map[string]error{}}
	org := templates.Org{Name: cfg.Org.Name, Email: cfg.Org.Email}
	eng := engine.New(fm, logs, org, "bounces@example.org", 0)

	states := campaign.NewRedisStore(client, time.Hour)
	h := NewHandlers(cfg, states, csvs, tpls, logs, eng, client)

	return &apiTest{
		router: SetupRoutes(h),
		mailer: fm,
		redis:  client,
		csvDir: csvDir,
		logDir: logDir,
		states: states,
		tpls:   tpls,
	}
}

func (at *apiTest) do(t *testing.T, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: testSessionID})
	w := httptest.NewRecorder()
	at.router.ServeHTTP(w, req)
	return w
}

func (at *apiTest) get(t *testing.T, target string) *httptest.ResponseRecorder {
	return at.do(t, http.MethodGet, target, nil, "")
}

func (at *apiTest) postForm(t *testing.T, target string, form url.Values) *httptest.ResponseRecorder {
	return at.do(t, http.MethodPost, target, strings.NewReader(form.Encode()),
		"application/x-www-form-urlencoded")
}

func (at *apiTest) postJSON(t *testing.T, method, target string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return at.do(t, method, target, bytes.NewReader(data), "application/json")
}

// uploadCSV uploads testCSV and returns the stored filename.
func (at *apiTest) uploadCSV(t *testing.T, filename string) string {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("csvfile", filename)
	require.NoError(t, err)
	_, err = io.WriteString(fw, testCSV)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	w := at.do(t, http.MethodPost, "/prepare/upload", &buf, mw.FormDataContentType())
	require.Equal(t, http.StatusSeeOther, w.Code)

	var view struct {
		Files []csvlist.StoredFile `json:"files"`
	}
	list := at.get(t, "/prepare")
	require.Equal(t, http.StatusOK, list.Code)
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &view))
	require.NotEmpty(t, view.Files)
	return view.Files[0].Name
}

// selectCSV uploads and activates a recipient list.
func (at *apiTest) selectCSV(t *testing.T) string {
	t.Helper()
	name := at.uploadCSV(t, "members.csv")
	w := at.postForm(t, "/prepare/use", url.Values{"file": {name}})
	require.Equal(t, http.StatusSeeOther, w.Code)
	return name
}

func validTemplatePayload() map[string]interface{} {
	return map[string]interface{}{
		"name":       "Welcome Note",
		"subject":    "Hello {{first_name}}",
		"from_name":  "Example Org",
		"from_email": "news@example.org",
		"body_html":  "<p>Hi {{first_name}}, welcome aboard.</p>",
		"fields": map[string]interface{}{
			"email":      map[string]bool{"use": true, "required": true},
			"first_name": map[string]bool{"use": true, "required": true},
		},
	}
}

// selectTemplate creates and activates the standard test template,
// returning its filename.
func (at *apiTest) selectTemplate(t *testing.T) string {
	t.Helper()

	w := at.postJSON(t, http.MethodPost, "/templates", validTemplatePayload())
	require.Equal(t, http.StatusCreated, w.Code)

	var saved struct {
		File string `json:"file"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &saved))
	require.Equal(t, "welcome_note.json", saved.File)

	use := at.postForm(t, "/templates/use", url.Values{"file": {saved.File}})
	require.Equal(t, http.StatusSeeOther, use.Code)
	return saved.File
}

// approveAndDryRun walks the workflow gates up to ready_to_send.
func (at *apiTest) approveAndDryRun(t *testing.T) {
	t.Helper()
	w := at.postForm(t, "/send/approve", url.Values{"approve": {"1"}})
	require.Equal(t, http.StatusSeeOther, w.Code)
	w = at.postForm(t, "/send/dryrun", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHealthCheck(t *testing.T) {
	at := setupAPITest(t)

	w := at.get(t, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestSessionCookieAssigned(t *testing.T) {
	at := setupAPITest(t)

	req := httptest.NewRequest(http.MethodGet, "/prepare", nil)
	w := httptest.NewRecorder()
	at.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, SessionCookieName, cookies[0].Name)
	assert.NotEmpty(t, cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
}

func TestPrepareUploadAndUse(t *testing.T) {
	at := setupAPITest(t)

	name := at.uploadCSV(t, "members.csv")
	assert.True(t, strings.HasSuffix(name, "_members.csv"))

	w := at.postForm(t, "/prepare/use", url.Values{"file": {name}})
	require.Equal(t, http.StatusSeeOther, w.Code)

	view := at.get(t, "/prepare")
	require.Equal(t, http.StatusOK, view.Code)

	var body struct {
		CSV      *campaign.CSVSelection `json:"csv"`
		Analysis *csvlist.Analysis      `json:"analysis"`
	}
	require.NoError(t, json.Unmarshal(view.Body.Bytes(), &body))
	require.NotNil(t, body.CSV)
	assert.Equal(t, "members.csv", body.CSV.Name)
	require.NotNil(t, body.Analysis)
	assert.Equal(t, 4, body.Analysis.TotalRows)
	assert.Contains(t, body.Analysis.InvalidEmails, "not-an-email")
}

func TestDeleteActiveCSVRefused(t *testing.T) {
	at := setupAPITest(t)
	name := at.selectCSV(t)

	w := at.postForm(t, "/prepare/delete", url.Values{"file": {name}})
	assert.Equal(t, http.StatusConflict, w.Code)

	clear := at.postForm(t, "/prepare/clear", nil)
	require.Equal(t, http.StatusSeeOther, clear.Code)

	w = at.postForm(t, "/prepare/delete", url.Values{"file": {name}})
	assert.Equal(t, http.StatusSeeOther, w.Code)
}

func TestCreateTemplateValidation(t *testing.T) {
	at := setupAPITest(t)

	payload := validTemplatePayload()
	delete(payload, "subject")

	w := at.postJSON(t, http.MethodPost, "/templates", payload)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var saved struct {
		Validation templates.ValidationResult `json:"validation"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &saved))
	assert.Contains(t, saved.Validation.Errors, templates.ErrorMissingSubject)
}

func TestTemplateListReportsMissingColumns(t *testing.T) {
	at := setupAPITest(t)
	at.selectCSV(t)

	payload := validTemplatePayload()
	payload["name"] = "Renewal"
	payload["subject"] = "Renew now {{first_name}} {{member_id}}"
	payload["fields"].(map[string]interface{})["member_id"] = map[string]bool{"use": true, "required": true}

	w := at.postJSON(t, http.MethodPost, "/templates", payload)
	require.Equal(t, http.StatusCreated, w.Code)

	list := at.get(t, "/templates")
	require.Equal(t, http.StatusOK, list.Code)

	var view struct {
		Templates []struct {
			File           string   `json:"file"`
			MissingColumns []string `json:"missing_columns"`
		} `json:"templates"`
	}
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &view))
	require.Len(t, view.Templates, 1)
	assert.Equal(t, []string{"member_id"}, view.Templates[0].MissingColumns)
}

func TestSendWorkflow(t *testing.T) {
	at := setupAPITest(t)
	at.selectCSV(t)
	at.selectTemplate(t)

	// Approval alone is not enough
	w := at.postForm(t, "/send/approve", url.Values{"approve": {"1"}})
	require.Equal(t, http.StatusSeeOther, w.Code)
	w = at.postForm(t, "/send/batch", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Dry run classifies every row
	w = at.postForm(t, "/send/dryrun", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var dry csvlist.DryRunResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dry))
	assert.Equal(t, 4, dry.TotalRows)
	assert.Equal(t, 3, dry.Sendable)

	// Now the batch goes through
	w = at.postForm(t, "/send/batch", nil)
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, []string{"alice@example.com", "bob@example.com", "dave@example.com"}, at.mailer.sent)

	view := at.get(t, "/send")
	require.Equal(t, http.StatusOK, view.Code)

	var send sendView
	require.NoError(t, json.Unmarshal(view.Body.Bytes(), &send))
	assert.Equal(t, campaign.StateCompleted, send.State)
	require.NotNil(t, send.Totals)
	assert.Equal(t, 3, send.Totals.Sent)
	assert.Equal(t, 1, send.Totals.Failed)
	require.NotNil(t, send.LastResult)
	assert.Equal(t, 4, send.LastResult.Attempted)
}

func TestSendBatchResumesFromOffset(t *testing.T) {
	at := setupAPITest(t)
	at.selectCSV(t)
	at.selectTemplate(t)
	at.approveAndDryRun(t)

	w := at.postForm(t, "/send/batch", url.Values{"batch_size": {"2"}})
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, []string{"alice@example.com", "bob@example.com"}, at.mailer.sent)

	w = at.postForm(t, "/send/batch", nil)
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, []string{
		"alice@example.com", "bob@example.com", "dave@example.com",
	}, at.mailer.sent, "no recipient is contacted twice")

	var send sendView
	view := at.get(t, "/send")
	require.NoError(t, json.Unmarshal(view.Body.Bytes(), &send))
	assert.Equal(t, campaign.StateCompleted, send.State)
	assert.Equal(t, 4, send.Progress.Offset)
}

func TestSendBatchRefusedWhileLockHeld(t *testing.T) {
	at := setupAPITest(t)
	at.selectCSV(t)
	at.selectTemplate(t)
	at.approveAndDryRun(t)

	// Simulate a batch request still in flight for this session
	other := distlock.NewRedisLock(at.redis, "batchmailer:send:"+testSessionID, time.Minute)
	held, err := other.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, held)

	w := at.postForm(t, "/send/batch", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, at.mailer.sent)

	// The lock clearing lets the same request through
	require.NoError(t, other.Release(context.Background()))
	w = at.postForm(t, "/send/batch", nil)
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Len(t, at.mailer.sent, 3)
}

func TestAbortBlocksSending(t *testing.T) {
	at := setupAPITest(t)
	at.selectCSV(t)
	at.selectTemplate(t)
	at.approveAndDryRun(t)

	w := at.postForm(t, "/send/abort", nil)
	require.Equal(t, http.StatusSeeOther, w.Code)

	w = at.postForm(t, "/send/batch", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, at.mailer.sent)

	var send sendView
	view := at.get(t, "/send")
	require.NoError(t, json.Unmarshal(view.Body.Bytes(), &send))
	assert.Equal(t, campaign.StateAborted, send.State)
	require.NotNil(t, send.Aborted)
}

func TestAdminLockBlocksSending(t *testing.T) {
	at := setupAPITest(t)
	at.selectCSV(t)
	at.selectTemplate(t)
	at.approveAndDryRun(t)

	w := at.postForm(t, "/admin/lock", nil)
	require.Equal(t, http.StatusSeeOther, w.Code)

	w = at.postForm(t, "/send/batch", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, at.mailer.sent)

	w = at.postForm(t, "/admin/unlock", nil)
	require.Equal(t, http.StatusSeeOther, w.Code)

	w = at.postForm(t, "/send/batch", nil)
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Len(t, at.mailer.sent, 3)
}

func TestAdminOverrideWaivesDryRunOnly(t *testing.T) {
	at := setupAPITest(t)
	at.selectCSV(t)
	at.selectTemplate(t)

	w := at.postForm(t, "/admin/override/enable", nil)
	require.Equal(t, http.StatusSeeOther, w.Code)

	// Approval is never waived
	w = at.postForm(t, "/send/batch", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = at.postForm(t, "/send/approve", url.Values{"approve": {"1"}})
	require.Equal(t, http.StatusSeeOther, w.Code)

	// With approval in place the override covers the missing dry run
	w = at.postForm(t, "/send/batch", nil)
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Len(t, at.mailer.sent, 3)
}

func TestPreviewRow(t *testing.T) {
	at := setupAPITest(t)
	at.selectCSV(t)
	at.selectTemplate(t)

	w := at.get(t, "/send/preview?row=2")
	require.Equal(t, http.StatusOK, w.Code)

	var view previewView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "bob@example.com", view.To)
	assert.Equal(t, "Hello Bob", view.Subject)
	assert.Contains(t, view.HTML, "Hi Bob, welcome aboard.")
	assert.Contains(t, view.HTML, "Example Org", "footer included, as the engine would send it")
	assert.Contains(t, view.Text, "Hi Bob, welcome aboard.")

	missing := at.get(t, "/send/preview?row=99")
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestStartNewBatchClearsWorkflow(t *testing.T) {
	at := setupAPITest(t)
	at.selectCSV(t)
	at.selectTemplate(t)
	at.approveAndDryRun(t)

	w := at.postForm(t, "/send/batch", nil)
	require.Equal(t, http.StatusSeeOther, w.Code)

	w = at.postForm(t, "/send/reset", nil)
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/prepare", w.Header().Get("Location"), "reset returns to preparation")

	var send sendView
	view := at.get(t, "/send")
	require.NoError(t, json.Unmarshal(view.Body.Bytes(), &send))
	assert.Equal(t, campaign.StatePreviewAndApprove, send.State, "selections survive, gates reset")
	assert.False(t, send.Approved)
	assert.Nil(t, send.DryRun)
	assert.False(t, send.Progress.HasCampaign)
}

func TestRestartCampaignStaysOnSendPage(t *testing.T) {
	at := setupAPITest(t)
	at.selectCSV(t)
	at.selectTemplate(t)
	at.approveAndDryRun(t)

	w := at.postForm(t, "/send/batch", nil)
	require.Equal(t, http.StatusSeeOther, w.Code)

	w = at.postForm(t, "/send/restart", nil)
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/send", w.Header().Get("Location"))

	var send sendView
	view := at.get(t, "/send")
	require.NoError(t, json.Unmarshal(view.Body.Bytes(), &send))
	assert.Equal(t, campaign.StatePreviewAndApprove, send.State)
	assert.False(t, send.Approved, "approval must be redone after a restart")
	assert.Nil(t, send.DryRun)
	assert.False(t, send.Progress.HasCampaign)
}

func TestAdminLogs(t *testing.T) {
	at := setupAPITest(t)
	at.selectCSV(t)
	at.selectTemplate(t)
	at.approveAndDryRun(t)

	w := at.postForm(t, "/send/batch", nil)
	require.Equal(t, http.StatusSeeOther, w.Code)

	list := at.get(t, "/admin/logs")
	require.Equal(t, http.StatusOK, list.Code)

	var logsView struct {
		Logs []engine.LogInfo `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &logsView))
	require.Len(t, logsView.Logs, 1)
	file := logsView.Logs[0].File
	assert.Equal(t, "welcome_note.json", logsView.Logs[0].Template)

	view := at.get(t, "/admin/logs/"+file)
	require.Equal(t, http.StatusOK, view.Code)
	var lv logView
	require.NoError(t, json.Unmarshal(view.Body.Bytes(), &lv))
	assert.Contains(t, lv.Content, "# BatchMailer send")
	assert.Contains(t, lv.Content, "SUCCESS | alice@example.com")
	assert.Contains(t, lv.Content, "FAILED  | not-an-email | Invalid email")

	dl := at.get(t, "/admin/logs/"+file+"/download")
	require.Equal(t, http.StatusOK, dl.Code)
	assert.Equal(t, "text/plain; charset=utf-8", dl.Header().Get("Content-Type"))
	assert.Equal(t, fmt.Sprintf("attachment; filename=%q", file), dl.Header().Get("Content-Disposition"))

	del := at.do(t, http.MethodDelete, "/admin/logs/"+file, nil, "")
	require.Equal(t, http.StatusOK, del.Code)

	missing := at.get(t, "/admin/logs/"+file)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestAdminClearCampaign(t *testing.T) {
	at := setupAPITest(t)
	at.selectCSV(t)
	at.selectTemplate(t)
	at.approveAndDryRun(t)

	w := at.postForm(t, "/admin/campaign/clear", nil)
	require.Equal(t, http.StatusSeeOther, w.Code)

	var send sendView
	view := at.get(t, "/send")
	require.NoError(t, json.Unmarshal(view.Body.Bytes(), &send))
	assert.Equal(t, campaign.StateNoCSV, send.State)
	assert.Nil(t, send.CSV)
	assert.Empty(t, send.TemplateFile)
}

func TestDeleteActiveTemplateRefused(t *testing.T) {
	at := setupAPITest(t)
	file := at.selectTemplate(t)

	w := at.postForm(t, "/templates/delete", url.Values{"file": {file}})
	assert.Equal(t, http.StatusConflict, w.Code)

	clear := at.postForm(t, "/templates/clear", nil)
	require.Equal(t, http.StatusSeeOther, clear.Code)

	w = at.postForm(t, "/templates/delete", url.Values{"file": {file}})
	assert.Equal(t, http.StatusSeeOther, w.Code)
}

func TestSwitchingCSVResetsGates(t *testing.T) {
	at := setupAPITest(t)
	name := at.selectCSV(t)
	at.selectTemplate(t)
	at.approveAndDryRun(t)

	// Re-selecting even the same file drops approval and dry run
	w := at.postForm(t, "/prepare/use", url.Values{"file": {name}})
	require.Equal(t, http.StatusSeeOther, w.Code)

	var send sendView
	view := at.get(t, "/send")
	require.NoError(t, json.Unmarshal(view.Body.Bytes(), &send))
	assert.Equal(t, campaign.StatePreviewAndApprove, send.State)
	assert.False(t, send.Approved)
	assert.Nil(t, send.DryRun)
}
