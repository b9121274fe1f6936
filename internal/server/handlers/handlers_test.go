package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailbag/internal/gateway"
	"mailbag/internal/mailerr"
	"mailbag/internal/models"
)

type fakeMail struct {
	mailboxes []models.Mailbox
	envelopes map[string][]models.MessageEnvelope
	deleteRes models.Result
	deleteErr error
	sendRes   models.Result
	sendErr   error

	sent    *models.OutboundMessage
	mailbox string
	id      uint32
}

func (f *fakeMail) ListMailboxes(context.Context) ([]models.Mailbox, error) {
	return f.mailboxes, nil
}

func (f *fakeMail) ListMessages(_ context.Context, mailbox string) ([]models.MessageEnvelope, error) {
	f.mailbox = mailbox
	env, ok := f.envelopes[mailbox]
	if !ok {
		return nil, mailerr.Errorf(mailerr.KindNotFound, "list", "no mailbox %s", mailbox)
	}
	return env, nil
}

func (f *fakeMail) GetMessageBody(_ context.Context, mailbox string, id uint32) (*models.MessageBody, error) {
	f.mailbox, f.id = mailbox, id
	if id == 99 {
		return nil, mailerr.Errorf(mailerr.KindTimeout, "fetch", "server said: * BYE secret detail")
	}
	return &models.MessageBody{ID: id, Mailbox: mailbox, ContentType: models.ContentPlain, Text: "hi"}, nil
}

func (f *fakeMail) DeleteMessage(_ context.Context, mailbox string, id uint32) (models.Result, error) {
	f.mailbox, f.id = mailbox, id
	return f.deleteRes, f.deleteErr
}

func (f *fakeMail) PurgeMailbox(_ context.Context, mailbox string) (models.Result, error) {
	f.mailbox = mailbox
	return models.Result{Outcome: models.OutcomeOK}, nil
}

func (f *fakeMail) SendMessage(_ context.Context, msg *models.OutboundMessage) (models.Result, error) {
	f.sent = msg
	return f.sendRes, f.sendErr
}

func (f *fakeMail) Stats() gateway.Stats {
	return gateway.Stats{CachedBodies: 3}
}

type fakeContacts struct {
	contacts map[string]models.Contact
	images   map[string][]byte
}

func newFakeContacts() *fakeContacts {
	return &fakeContacts{contacts: make(map[string]models.Contact), images: make(map[string][]byte)}
}

func (f *fakeContacts) List(context.Context) ([]models.Contact, error) {
	out := []models.Contact{}
	for _, c := range f.contacts {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeContacts) Add(_ context.Context, name, email string) (*models.Contact, error) {
	if name == "" || !strings.Contains(email, "@") {
		return nil, mailerr.Errorf(mailerr.KindBadInput, "add", "invalid contact")
	}
	c := models.Contact{ID: "c1", Name: name, Email: email}
	f.contacts[c.ID] = c
	return &c, nil
}

func (f *fakeContacts) Update(_ context.Context, id, name, email string) (*models.Contact, error) {
	if _, ok := f.contacts[id]; !ok {
		return nil, mailerr.Errorf(mailerr.KindNotFound, "update", "no contact")
	}
	c := models.Contact{ID: id, Name: name, Email: email}
	f.contacts[id] = c
	return &c, nil
}

func (f *fakeContacts) Delete(_ context.Context, id string) error {
	if _, ok := f.contacts[id]; !ok {
		return mailerr.Errorf(mailerr.KindNotFound, "delete", "no contact")
	}
	delete(f.contacts, id)
	return nil
}

func (f *fakeContacts) AttachImage(_ context.Context, id string, data []byte) error {
	f.images[id] = data
	return nil
}

func (f *fakeContacts) Image(_ context.Context, id string) ([]byte, string, error) {
	data, ok := f.images[id]
	if !ok {
		return nil, "", mailerr.Errorf(mailerr.KindNotFound, "image", "no image")
	}
	return data, "image/png", nil
}

func newApp(mail Mail, contacts Contacts) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(zerolog.Nop())})
	NewHandler(mail, contacts, nil, zerolog.Nop()).Register(app)
	return app
}

func do(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var obj map[string]any
	_ = json.Unmarshal(raw, &obj)
	return resp, obj
}

func TestMailRoutes(t *testing.T) {
	mail := &fakeMail{
		mailboxes: []models.Mailbox{{Name: "INBOX", Delimiter: "/", MessageCount: 2}},
		envelopes: map[string][]models.MessageEnvelope{
			"INBOX/Work": {{ID: 7, Mailbox: "INBOX/Work", Subject: "hello"}},
		},
		deleteRes: models.Result{Outcome: models.OutcomeOK},
		sendRes:   models.Result{Outcome: models.OutcomeOK, MessageID: "abc@example.org"},
	}
	app := newApp(mail, newFakeContacts())

	t.Run("list mailboxes", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest("GET", "/mailboxes", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var boxes []models.Mailbox
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&boxes))
		assert.Equal(t, mail.mailboxes, boxes)
	})

	t.Run("list messages of an escaped hierarchical name", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest("GET", "/mailboxes/INBOX%2FWork", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "INBOX/Work", mail.mailbox)
	})

	t.Run("unknown mailbox is a bad request", func(t *testing.T) {
		resp, body := do(t, app, "GET", "/mailboxes/Nope", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "Bad Request", body["error"])
	})

	t.Run("get body", func(t *testing.T) {
		resp, body := do(t, app, "GET", "/messages/INBOX/7", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "hi", body["text"])
		assert.Equal(t, uint32(7), mail.id)
	})

	t.Run("bad id", func(t *testing.T) {
		for _, id := range []string{"abc", "0", "-1", "4294967296"} {
			resp, _ := do(t, app, "GET", "/messages/INBOX/"+id, "")
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, id)
		}
	})

	t.Run("gateway failure hides detail", func(t *testing.T) {
		resp, body := do(t, app, "GET", "/messages/INBOX/99", "")
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.Equal(t, "Internal Server Error", body["error"])
		assert.NotContains(t, body, "outcome")
	})

	t.Run("delete", func(t *testing.T) {
		resp, body := do(t, app, "DELETE", "/messages/INBOX/7", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ok", body["outcome"])
	})

	t.Run("purge", func(t *testing.T) {
		resp, body := do(t, app, "POST", "/mailboxes/Trash/purge", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ok", body["outcome"])
		assert.Equal(t, "Trash", mail.mailbox)
	})

	t.Run("send with recipient field", func(t *testing.T) {
		resp, body := do(t, app, "POST", "/messages", `{"recipient":"bob@example.org","subject":"s","body":"b"}`)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, "abc@example.org", body["messageId"])
		require.NotNil(t, mail.sent)
		assert.Equal(t, []string{"bob@example.org"}, mail.sent.To)
		assert.Equal(t, "s", mail.sent.Subject)
	})

	t.Run("send with to list", func(t *testing.T) {
		resp, _ := do(t, app, "POST", "/messages", `{"to":["a@example.org","b@example.org"],"subject":"s","body":"b","html":true}`)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, []string{"a@example.org", "b@example.org"}, mail.sent.To)
		assert.True(t, mail.sent.HTML)
	})

	t.Run("malformed send", func(t *testing.T) {
		resp, _ := do(t, app, "POST", "/messages", `{"to":`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestOutcomeIsReported(t *testing.T) {
	mail := &fakeMail{
		deleteRes: models.Result{Outcome: models.OutcomePartial, Detail: "marked but not expunged"},
		deleteErr: mailerr.Errorf(mailerr.KindPartial, "delete", "expunge failed"),
		sendRes:   models.Result{Outcome: models.OutcomeUnknown},
		sendErr:   mailerr.Errorf(mailerr.KindUnknownOutcome, "send", "reply lost"),
	}
	app := newApp(mail, newFakeContacts())

	resp, body := do(t, app, "DELETE", "/messages/INBOX/7", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "partial", body["outcome"])
	assert.Equal(t, "Internal Server Error", body["error"])

	resp, body = do(t, app, "POST", "/messages", `{"recipient":"bob@example.org"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "unknown", body["outcome"])

	mail.sendRes = models.Result{Outcome: models.OutcomeFailed}
	mail.sendErr = mailerr.Errorf(mailerr.KindSubmission, "send", "550 mailbox unavailable")
	resp, body = do(t, app, "POST", "/messages", `{"recipient":"bob@example.org"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.NotContains(t, body, "outcome")
}

func TestContactRoutes(t *testing.T) {
	contacts := newFakeContacts()
	app := newApp(&fakeMail{}, contacts)

	resp, body := do(t, app, "POST", "/contacts", `{"name":"Bob","email":"bob@example.org"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "c1", body["_id"])

	resp, _ = do(t, app, "POST", "/contacts", `{"name":"","email":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, app, "PUT", "/contacts/c1", `{"name":"Robert","email":"bob@example.org"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Robert", body["name"])

	resp, _ = do(t, app, "PUT", "/contacts/missing", `{"name":"X","email":"x@example.org"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err := app.Test(httptest.NewRequest("GET", "/contacts", nil))
	require.NoError(t, err)
	var list []models.Contact
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Len(t, list, 1)

	t.Run("image", func(t *testing.T) {
		req := httptest.NewRequest("PUT", "/contacts/c1/image", strings.NewReader("\x89PNG\r\n\x1a\n"))
		req.Header.Set("Content-Type", "image/png")
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		resp, err = app.Test(httptest.NewRequest("GET", "/contacts/c1/image", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "\x89PNG\r\n\x1a\n", string(data))
	})

	resp, _ = do(t, app, "DELETE", "/contacts/c1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, app, "DELETE", "/contacts/c1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	app := newApp(&fakeMail{}, newFakeContacts())
	resp, body := do(t, app, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	gw, ok := body["gateway"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 3, gw["cachedBodies"])
}

func TestMailboxNameOutlivesRequest(t *testing.T) {
	mail := &fakeMail{}
	app := newApp(mail, newFakeContacts())

	resp, err := app.Test(httptest.NewRequest("POST", "/mailboxes/Archive/purge", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	kept := mail.mailbox

	for _, name := range []string{"Drafts1", "Zzzzzzz"} {
		resp, err := app.Test(httptest.NewRequest("POST", "/mailboxes/"+name+"/purge", nil))
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	assert.Equal(t, "Archive", kept)
}
