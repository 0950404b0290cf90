package tests

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"

	"claas/hub/services"

	"github.com/go-chi/chi/v5"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	errTimeout      = errors.New("timed out waiting for experiment")
)

// httpStatusError carries the response code of a failed request so tests can
// assert on the exact status.
type httpStatusError struct {
	Status int
	Body   string

	method   string
	endpoint string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("%v request to endpoint %v returned status %d, content '%v'", e.method, e.endpoint, e.Status, e.Body)
}

func statusOf(err error) int {
	var serr *httpStatusError
	if errors.As(err, &serr) {
		return serr.Status
	}
	return 0
}

type httpTestRequest struct {
	api http.Handler

	method   string
	endpoint string
	headers  map[string]string
	json     interface{}
	body     io.Reader
	login    *loginInfo
}

func newHttpTestRequest(api http.Handler, method, endpoint string) *httpTestRequest {
	return &httpTestRequest{api: api, method: method, endpoint: endpoint}
}

func (r *httpTestRequest) Header(key, value string) *httpTestRequest {
	if r.headers == nil {
		r.headers = make(map[string]string)
	}
	r.headers[key] = value
	return r
}

func (r *httpTestRequest) Login(username, password string) *httpTestRequest {
	r.login = &loginInfo{Username: username, Password: password}
	return r
}

func (r *httpTestRequest) Auth(token string) *httpTestRequest {
	return r.Header("Authorization", fmt.Sprintf("Bearer %v", token))
}

func (r *httpTestRequest) Json(data interface{}) *httpTestRequest {
	r.json = data
	return r
}

func (r *httpTestRequest) Body(body io.Reader) *httpTestRequest {
	r.body = body
	return r
}

// response body will be parsed into result, passing nil indicates that no result is returned.
func (r *httpTestRequest) Do(result interface{}) error {
	if r.json != nil {
		body := new(bytes.Buffer)
		err := json.NewEncoder(body).Encode(r.json)
		if err != nil {
			return fmt.Errorf("error encoding json body for endpoint %v: %w", r.endpoint, err)
		}
		r.body = body
	}

	req := httptest.NewRequest(r.method, r.endpoint, r.body)
	if r.headers != nil {
		for k, v := range r.headers {
			req.Header.Add(k, v)
		}
	}

	if r.login != nil {
		req.SetBasicAuth(r.login.Username, r.login.Password)
	}

	w := httptest.NewRecorder()

	r.api.ServeHTTP(w, req)

	res := w.Result()
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		if res.StatusCode == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		return &httpStatusError{Status: res.StatusCode, Body: w.Body.String(), method: r.method, endpoint: r.endpoint}
	}

	if result != nil {
		err := json.NewDecoder(res.Body).Decode(result)
		if err != nil {
			return fmt.Errorf("error parsing %v response from endpoint %v: %w", r.method, r.endpoint, err)
		}
	}

	return nil
}

// DoRaw returns the raw response body instead of decoding json.
func (r *httpTestRequest) DoRaw() ([]byte, error) {
	req := httptest.NewRequest(r.method, r.endpoint, r.body)
	for k, v := range r.headers {
		req.Header.Add(k, v)
	}

	w := httptest.NewRecorder()
	r.api.ServeHTTP(w, req)

	res := w.Result()
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &httpStatusError{Status: res.StatusCode, Body: w.Body.String(), method: r.method, endpoint: r.endpoint}
	}
	return w.Body.Bytes(), nil
}

type client struct {
	api       chi.Router
	authToken string
	username  string
	userId    string
}

func (c *client) Get(endpoint string) *httpTestRequest {
	return c.request("GET", endpoint)
}

func (c *client) Post(endpoint string) *httpTestRequest {
	return c.request("POST", endpoint)
}

func (c *client) Patch(endpoint string) *httpTestRequest {
	return c.request("PATCH", endpoint)
}

func (c *client) Delete(endpoint string) *httpTestRequest {
	return c.request("DELETE", endpoint)
}

func (c *client) request(method, endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, method, endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

type loginInfo struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (c *client) signup(username, email, password string) (loginInfo, error) {
	body := map[string]string{
		"username": username, "email": email, "password": password,
	}

	err := c.Post("/users").Json(body).Do(nil)
	if err != nil {
		return loginInfo{}, err
	}

	return loginInfo{Username: username, Password: password}, nil
}

func (c *client) login(login loginInfo) error {
	var res map[string]string
	err := c.Post("/auth/login").Login(login.Username, login.Password).Do(&res)
	if err != nil {
		return err
	}

	c.authToken = res["access_token"]
	c.userId = res["user_id"]
	c.username = login.Username

	return nil
}

func (c *client) userInfo() (services.UserInfo, error) {
	var res services.UserInfo
	err := c.Get(fmt.Sprintf("/users/%v", c.username)).Do(&res)
	return res, err
}

func (c *client) deleteUser() error {
	return c.Delete(fmt.Sprintf("/users/%v", c.username)).Do(nil)
}

func (c *client) changePassword(oldPwd, newPwd string) error {
	body := map[string]string{"old_password": oldPwd, "new_password": newPwd}
	return c.Patch(fmt.Sprintf("/users/%v/password", c.username)).Json(body).Do(nil)
}

func (c *client) workspaces(path ...string) string {
	endpoint := fmt.Sprintf("/users/%v/workspaces", c.username)
	for _, p := range path {
		endpoint += "/" + p
	}
	return endpoint
}

func (c *client) createWorkspace(name string) (services.WorkspaceInfo, error) {
	var res services.WorkspaceInfo
	err := c.Post(c.workspaces()).Json(map[string]string{"name": name}).Do(&res)
	return res, err
}

func (c *client) listWorkspaces() ([]services.WorkspaceInfo, error) {
	var res []services.WorkspaceInfo
	err := c.Get(c.workspaces()).Do(&res)
	return res, err
}

func (c *client) setWorkspaceStatus(workspace, status string) error {
	return c.Patch(c.workspaces(workspace, "status")).Json(map[string]string{"status": status}).Do(nil)
}

func (c *client) renameWorkspace(workspace, newName string) error {
	return c.Patch(c.workspaces(workspace, "name")).Json(map[string]string{"new_name": newName}).Do(nil)
}

func (c *client) deleteWorkspace(workspace string) error {
	return c.Delete(c.workspaces(workspace)).Do(nil)
}

// createResource posts to the typed resource collection, e.g. rtypePath
// "benchmarks" or "strategies".
func (c *client) createResource(workspace, rtypePath, name string, build map[string]interface{}) (services.ResourceInfo, error) {
	var res services.ResourceInfo
	body := map[string]interface{}{"name": name, "build": build}
	err := c.Post(c.workspaces(workspace, rtypePath)).Json(body).Do(&res)
	return res, err
}

func (c *client) getResource(workspace, rtypePath, name string) (services.ResourceInfo, error) {
	var res services.ResourceInfo
	err := c.Get(c.workspaces(workspace, rtypePath, name)).Do(&res)
	return res, err
}

func (c *client) listResources(workspace, rtypePath string) ([]services.ResourceInfo, error) {
	var res []services.ResourceInfo
	err := c.Get(c.workspaces(workspace, rtypePath)).Do(&res)
	return res, err
}

func (c *client) updateResource(workspace, rtypePath, name string, patch map[string]interface{}) (services.ResourceInfo, error) {
	var res services.ResourceInfo
	err := c.Patch(c.workspaces(workspace, rtypePath, name)).Json(patch).Do(&res)
	return res, err
}

func (c *client) deleteResource(workspace, rtypePath, name string) error {
	return c.Delete(c.workspaces(workspace, rtypePath, name)).Do(nil)
}

func (c *client) setupExperiment(workspace, name string) error {
	return c.Patch(c.workspaces(workspace, "experiments", name, "setup")).Do(nil)
}

func (c *client) startExperiment(workspace, name string) (int, error) {
	var res map[string]int
	err := c.Patch(c.workspaces(workspace, "experiments", name)).Json(map[string]string{"status": "START"}).Do(&res)
	return res["exec_id"], err
}

func (c *client) experimentStatus(workspace, name string) (map[string]interface{}, error) {
	var res map[string]interface{}
	err := c.Get(c.workspaces(workspace, "experiments", name, "status")).Do(&res)
	return res, err
}

func (c *client) experimentResults(workspace, name string) (map[string]interface{}, error) {
	var res map[string]interface{}
	err := c.Get(c.workspaces(workspace, "experiments", name, "results")).Do(&res)
	return res, err
}

func (c *client) experimentCsv(workspace, name, kind string) ([]byte, error) {
	endpoint := c.workspaces(workspace, "experiments", name, "results", "csv") + "?kind=" + kind
	return c.Get(endpoint).DoRaw()
}

func (c *client) experimentModel(workspace, name string) ([]byte, error) {
	return c.Get(c.workspaces(workspace, "experiments", name, "model")).DoRaw()
}

// multipartBody assembles a multipart form with the given field values and
// file parts (name -> content).
func multipartBody(fields map[string]string, files map[string][]byte) (io.Reader, string, error) {
	body := new(bytes.Buffer)
	form := multipart.NewWriter(body)

	for key, value := range fields {
		if err := form.WriteField(key, value); err != nil {
			return nil, "", err
		}
	}
	for name, content := range files {
		part, err := form.CreateFormFile("files", name)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(content); err != nil {
			return nil, "", err
		}
	}

	if err := form.Close(); err != nil {
		return nil, "", err
	}
	return body, form.FormDataContentType(), nil
}

func (c *client) sendFiles(workspace, repo string, fields map[string]string, files map[string][]byte) ([]services.RepoFileInfo, error) {
	body, contentType, err := multipartBody(fields, files)
	if err != nil {
		return nil, err
	}

	var res []services.RepoFileInfo
	err = c.Post(c.workspaces(workspace, "data", repo, "send_files")).
		Header("Content-Type", contentType).
		Body(body).
		Do(&res)
	return res, err
}

func (c *client) predict(workspace, experiment string, execId int, info string, files map[string][]byte) (map[string]int, error) {
	fields := map[string]string{}
	if info != "" {
		fields["info"] = info
	}
	body, contentType, err := multipartBody(fields, files)
	if err != nil {
		return nil, err
	}

	var res map[string]int
	endpoint := c.workspaces(workspace, "predictions", experiment, fmt.Sprintf("%d", execId))
	err = c.Post(endpoint).Header("Content-Type", contentType).Body(body).Do(&res)
	return res, err
}
