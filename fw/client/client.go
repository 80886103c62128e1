// Package client talks to a remote rule service over its HTTP API. Remote
// satisfies the same capability interface as the in-process engine, so
// rule editors do not know which side of the boundary they run on.
package client

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/dashke/fort/fw/common/logx"
	"github.com/dashke/fort/fw/core/conf"
	"github.com/dashke/fort/fw/model"
)

var log = logx.New(logx.WithPrefix("client"))

type Remote struct {
	baseURL  string
	username string
	password string

	hc *http.Client

	mu    sync.Mutex
	token string
}

var _ conf.RuleReconciler = (*Remote)(nil)

func NewRemote(baseURL, username, password string) *Remote {
	return &Remote{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		hc:       &http.Client{Timeout: 15 * time.Second},
	}
}

/******** transport ********/

type apiError struct {
	Error string `json:"error"`
}

func (r *Remote) login() error {
	body, _ := json.Marshal(map[string]string{
		"username": r.username,
		"password": r.password,
	})
	resp, err := r.hc.Post(r.baseURL+"/api/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return remoteErr(resp)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	r.token = out.Token
	log.Debugf("logged in to %s", r.baseURL)
	return nil
}

// do sends one authenticated request, logging in on demand and retrying
// once after a 401 (expired token).
func (r *Remote) do(method, path string, in, out any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token == "" {
		if err := r.login(); err != nil {
			return err
		}
	}

	resp, err := r.send(method, path, in)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		_ = resp.Body.Close()
		if err := r.login(); err != nil {
			return err
		}
		resp, err = r.send(method, path, in)
		if err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return remoteErr(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (r *Remote) send(method, path string, in any) (*http.Response, error) {
	var rd io.Reader
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, r.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	return r.hc.Do(req)
}

func remoteErr(resp *http.Response) error {
	var ae apiError
	if err := json.NewDecoder(resp.Body).Decode(&ae); err == nil && ae.Error != "" {
		return fmt.Errorf("remote: %s (%d)", ae.Error, resp.StatusCode)
	}
	return fmt.Errorf("remote: status %d", resp.StatusCode)
}

/******** RuleReconciler ********/

func (r *Remote) AddApp(app *model.App) error {
	// the response carries the assigned id
	return r.do(http.MethodPost, "/api/apps", app, app)
}

func (r *Remote) UpdateApp(app *model.App) error {
	return r.do(http.MethodPut, fmt.Sprintf("/api/apps/%d", app.AppId), app, app)
}

func (r *Remote) UpdateAppName(appId int64, name string) error {
	in := map[string]string{"name": name}
	return r.do(http.MethodPut, fmt.Sprintf("/api/apps/%d/name", appId), in, nil)
}

func (r *Remote) DeleteApps(appIds []int64) error {
	in := map[string]any{"ids": appIds}
	return r.do(http.MethodDelete, "/api/apps/batch", in, nil)
}

func (r *Remote) UpdateAppsBlocked(appIds []int64, blocked, killProcess bool) error {
	in := map[string]any{
		"ids":          appIds,
		"blocked":      blocked,
		"kill_process": killProcess,
	}
	return r.do(http.MethodPut, "/api/apps/blocked", in, nil)
}

func (r *Remote) PurgeApps() error {
	return r.do(http.MethodPost, "/api/apps/purge", nil, nil)
}

func (r *Remote) WalkApps(fn func(app *model.App) bool) error {
	var out struct {
		Items []model.App `json:"items"`
	}
	if err := r.do(http.MethodGet, "/api/apps", nil, &out); err != nil {
		return err
	}
	for i := range out.Items {
		if !fn(&out.Items[i]) {
			return nil
		}
	}
	return nil
}
