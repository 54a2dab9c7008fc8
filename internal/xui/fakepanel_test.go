package xui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakePanel is an in-process stand-in for a 3x-ui panel: cookie login,
// enveloped JSON responses, and capture of everything written to it.
type fakePanel struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	user     string
	pass     string
	logins   int
	nextSess int
	sessions map[string]bool

	inbounds   []Inbound
	settings   PanelSettings
	subBody    string
	failAddMsg string

	added   []capturedAdd
	deleted []capturedDelete
}

type capturedAdd struct {
	InboundID int
	Settings  string
	Clients   []ClientSetting
}

type capturedDelete struct {
	InboundID int
	ClientID  string
}

func newFakePanel(t *testing.T) *fakePanel {
	t.Helper()
	fp := &fakePanel{
		t:        t,
		user:     "admin",
		pass:     "secret",
		sessions: make(map[string]bool),
	}
	fp.server = httptest.NewServer(http.HandlerFunc(fp.handle))
	t.Cleanup(fp.server.Close)
	return fp
}

func (fp *fakePanel) client() *Client {
	return NewClient(fp.server.URL, fp.user, fp.pass, true, 5*time.Second)
}

func (fp *fakePanel) loginCount() int {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.logins
}

// expireSessions invalidates every live session so the next API call
// comes back unauthenticated
func (fp *fakePanel) expireSessions() {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	for k := range fp.sessions {
		fp.sessions[k] = false
	}
}

func (fp *fakePanel) setInbounds(inbounds []Inbound) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.inbounds = inbounds
}

func (fp *fakePanel) setSettings(settings PanelSettings) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.settings = settings
}

func (fp *fakePanel) setSubBody(body string) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.subBody = body
}

func (fp *fakePanel) failAddClient(msg string) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.failAddMsg = msg
}

func (fp *fakePanel) addedClients() []capturedAdd {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	out := make([]capturedAdd, len(fp.added))
	copy(out, fp.added)
	return out
}

func (fp *fakePanel) deletedClients() []capturedDelete {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	out := make([]capturedDelete, len(fp.deleted))
	copy(out, fp.deleted)
	return out
}

func (fp *fakePanel) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/login":
		fp.handleLogin(w, r)
	case r.URL.Path == "/panel/api/inbounds/list":
		fp.withAuth(w, r, fp.handleList)
	case r.URL.Path == "/panel/api/inbounds/addClient":
		fp.withAuth(w, r, fp.handleAddClient)
	case strings.HasPrefix(r.URL.Path, "/panel/api/inbounds/") && strings.Contains(r.URL.Path, "/delClient/"):
		fp.withAuth(w, r, fp.handleDelClient)
	case r.URL.Path == "/panel/setting/all":
		fp.withAuth(w, r, fp.handleSettings)
	case strings.HasPrefix(r.URL.Path, "/sub/"):
		fp.handleSubscription(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (fp *fakePanel) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()

	if r.PostFormValue("username") != fp.user || r.PostFormValue("password") != fp.pass {
		writeEnvelope(w, apiResponse{Success: false, Msg: "Invalid username or password"})
		return
	}

	fp.logins++
	fp.nextSess++
	token := fmt.Sprintf("sess-%d", fp.nextSess)
	fp.sessions[token] = true

	http.SetCookie(w, &http.Cookie{Name: "session", Value: token, Path: "/"})
	writeEnvelope(w, apiResponse{Success: true, Msg: "Login Successfully"})
}

func (fp *fakePanel) withAuth(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request)) {
	cookie, err := r.Cookie("session")

	fp.mu.Lock()
	ok := err == nil && fp.sessions[cookie.Value]
	fp.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	next(w, r)
}

func (fp *fakePanel) handleList(w http.ResponseWriter, r *http.Request) {
	fp.mu.Lock()
	inbounds := fp.inbounds
	fp.mu.Unlock()
	writeEnvelopeObj(w, inbounds)
}

func (fp *fakePanel) handleAddClient(w http.ResponseWriter, r *http.Request) {
	fp.mu.Lock()
	failMsg := fp.failAddMsg
	fp.mu.Unlock()
	if failMsg != "" {
		writeEnvelope(w, apiResponse{Success: false, Msg: failMsg})
		return
	}

	var payload addClientPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeEnvelope(w, apiResponse{Success: false, Msg: "bad payload"})
		return
	}

	var list clientList
	if err := json.Unmarshal([]byte(payload.Settings), &list); err != nil {
		writeEnvelope(w, apiResponse{Success: false, Msg: "settings is not a JSON document"})
		return
	}

	fp.mu.Lock()
	fp.added = append(fp.added, capturedAdd{
		InboundID: payload.ID,
		Settings:  payload.Settings,
		Clients:   list.Clients,
	})
	fp.mu.Unlock()

	writeEnvelope(w, apiResponse{Success: true, Msg: "Client added"})
}

func (fp *fakePanel) handleDelClient(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// panel/api/inbounds/<id>/delClient/<clientID>
	if len(parts) != 6 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var inboundID int
	fmt.Sscanf(parts[3], "%d", &inboundID)

	fp.mu.Lock()
	fp.deleted = append(fp.deleted, capturedDelete{InboundID: inboundID, ClientID: parts[5]})
	fp.mu.Unlock()

	writeEnvelope(w, apiResponse{Success: true, Msg: "Client deleted"})
}

func (fp *fakePanel) handleSettings(w http.ResponseWriter, r *http.Request) {
	fp.mu.Lock()
	settings := fp.settings
	fp.mu.Unlock()
	writeEnvelopeObj(w, settings)
}

func (fp *fakePanel) handleSubscription(w http.ResponseWriter, r *http.Request) {
	fp.mu.Lock()
	body := fp.subBody
	fp.mu.Unlock()
	fmt.Fprint(w, body)
}

func writeEnvelope(w http.ResponseWriter, envelope apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(envelope)
}

func writeEnvelopeObj(w http.ResponseWriter, obj interface{}) {
	raw, _ := json.Marshal(obj)
	writeEnvelope(w, apiResponse{Success: true, Obj: raw})
}
