package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"golang.org/x/crypto/bcrypt"

	"github.com/dashke/fort/fw/app"
	"github.com/dashke/fort/fw/client"
	"github.com/dashke/fort/fw/common/config"
	"github.com/dashke/fort/fw/core/conf"
	"github.com/dashke/fort/fw/core/driver"
	"github.com/dashke/fort/fw/db"
	"github.com/dashke/fort/fw/db/dao"
	"github.com/dashke/fort/fw/model"
	"github.com/dashke/fort/fw/notify"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:api_%s?mode=memory&cache=shared", name)
	d, err := db.OpenGorm("sqlite", dsn, config.DBPoolCfg{MaxOpen: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.MigrateMasterSQL(d.GormDataSource, d.Driver); err != nil {
		t.Fatal(err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	notifier := notify.NewNotifier()
	a := &app.App{
		Cfg: &config.Config{
			Admin: config.AdminAuth{
				Username:     "admin",
				PasswordHash: string(hash),
				JWTSecret:    "test-secret",
				TokenTTL:     5,
			},
		},
		MasterDB: d,
		Notifier: notifier,
		Hub:      notify.NewHub(),
	}
	a.Engine = conf.NewAppManager(d, &driver.Noop{}, notifier)
	t.Cleanup(a.Engine.Close)

	ts := httptest.NewServer(New(a).Router())
	t.Cleanup(ts.Close)
	return ts
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	ts := newTestServer(t)

	body := bytes.NewBufferString(`{"username":"admin","password":"wrong"}`)
	resp, err := http.Post(ts.URL+"/api/login", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAppsRequireAuth(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/apps")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

// the remote reconciler against a real server is the round trip that
// matters: both sides must agree on routes and payloads.
func TestRemoteReconcilerRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	r := client.NewRemote(ts.URL, "admin", "secret")

	app := &model.App{
		OriginPath: "/usr/bin/rsync",
		Path:       "/usr/bin/rsync",
		Name:       "rsync",
		Blocked:    true,
	}
	if err := r.AddApp(app); err != nil {
		t.Fatal(err)
	}
	if app.AppId <= 0 {
		t.Fatalf("remote add returned id %d", app.AppId)
	}

	app.Blocked = false
	if err := r.UpdateApp(app); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateAppName(app.AppId, "sync tool"); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateAppsBlocked([]int64{app.AppId}, true, true); err != nil {
		t.Fatal(err)
	}

	var got *model.App
	if err := r.WalkApps(func(a *model.App) bool {
		if a.AppId == app.AppId {
			got = a
			return false
		}
		return true
	}); err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("walk did not find the rule")
	}
	if got.Name != "sync tool" || !got.Blocked || !got.KillProcess {
		t.Fatalf("remote state = %+v", got)
	}

	if err := r.DeleteApps([]int64{app.AppId}); err != nil {
		t.Fatal(err)
	}
	found := false
	if err := r.WalkApps(func(a *model.App) bool {
		found = found || a.AppId == app.AppId
		return true
	}); err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("rule survived remote delete")
	}

	if err := r.PurgeApps(); err != nil {
		t.Fatal(err)
	}
}

func TestRemoteSurfacesServerErrors(t *testing.T) {
	ts := newTestServer(t)
	r := client.NewRemote(ts.URL, "admin", "secret")

	app := &model.App{
		OriginPath: "/usr/bin/x",
		Path:       "/usr/bin/x",
		GroupIndex: 42, // no such group
	}
	err := r.AddApp(app)
	if err == nil || !strings.Contains(err.Error(), "group not found") {
		t.Fatalf("err = %v, want remote group-not-found", err)
	}
	if errors.Is(err, dao.ErrGroupNotFound) {
		t.Fatal("remote errors travel as text, not sentinel values")
	}
}

func TestZoneAddressImport(t *testing.T) {
	ts := newTestServer(t)

	// raw HTTP; zones are not part of the reconciler surface
	login := func() string {
		body := bytes.NewBufferString(`{"username":"admin","password":"secret"}`)
		resp, err := http.Post(ts.URL+"/api/login", "application/json", body)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var out struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatal(err)
		}
		return out.Token
	}
	token := login()

	do := func(method, path, payload string) (*http.Response, []byte) {
		req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(payload))
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp, b
	}

	resp, body := do(http.MethodPost, "/api/zones", `{"name":"lan","enabled":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create zone: %d %s", resp.StatusCode, body)
	}
	var zone model.Zone
	if err := json.Unmarshal(body, &zone); err != nil {
		t.Fatal(err)
	}

	// duplicates, comments and IDNA names collapse to 2 entries
	text := "Example.COM.\n# comment\nexample.com\nbücher.de\n\n10.0.0.0/8"
	payload, _ := json.Marshal(map[string]string{"text": text})
	resp, body = do(http.MethodPut, fmt.Sprintf("/api/zones/%d/addresses", zone.ZoneId), string(payload))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("import: %d %s", resp.StatusCode, body)
	}
	var out struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Count != 3 {
		t.Fatalf("count = %d, want 3 (example.com, xn--bcher-kva.de, 10.0.0.0/8)", out.Count)
	}
}

func TestRemoteRejectsBadPassword(t *testing.T) {
	ts := newTestServer(t)
	r := client.NewRemote(ts.URL, "admin", "nope")

	if err := r.PurgeApps(); err == nil {
		t.Fatal("want login failure")
	}
}
