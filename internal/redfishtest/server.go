// Package redfishtest provides a scripted fake managed endpoint for tests.
package redfishtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	// SystemPath is the single computer system exposed by the fake.
	SystemPath = "/redfish/v1/Systems/System.Embedded.1"
	// ManagerPath is the single manager exposed by the fake.
	ManagerPath = "/redfish/v1/Managers/iDRAC.Embedded.1"
	// MultipartPath is the multipart push target.
	MultipartPath = "/redfish/v1/UpdateService/MultipartUpload"
	// SessionsPath is the session collection.
	SessionsPath = "/redfish/v1/SessionService/Sessions"

	defaultPageSize = 50
)

// JobStep is one scripted job snapshot. Polls walk the steps in order and the
// last step repeats.
type JobStep struct {
	State   string
	Message string
	// Percent is omitted when negative.
	Percent int
	JobType string
	// Status, when non-zero, answers with that status instead of the snapshot.
	Status int
	// Drop closes the connection without a response.
	Drop bool
	// HoldUntilPowerOn keeps the job on this step until the system is powered
	// on after the job was registered.
	HoldUntilPowerOn bool
}

// Reply is a scripted answer to a state-changing request.
type Reply struct {
	Status   int
	Location string
	Body     map[string]any
}

// Recorded is one request seen by the fake.
type Recorded struct {
	Method string
	Path   string
	Query  string
	Body   map[string]any
}

// Upload is one multipart upload received by the fake.
type Upload struct {
	Parameters map[string]any
	Filename   string
	Size       int64
}

type jobScript struct {
	steps   []JobStep
	index   int
	polls   int
	baseOns int
}

// Server is a fake managed endpoint served over TLS.
type Server struct {
	*httptest.Server

	mu sync.Mutex

	user     string
	password string
	tokens   map[string]bool

	powerState     string
	offCountdown   int
	onCountdown    int
	powerOnPolls   int
	gracefulPolls  int
	ignoreGraceful bool
	powerOns       int
	resets         []string

	resources   map[string]map[string]any
	collections map[string][]map[string]any
	pageSize    int
	jobs        map[string]*jobScript
	replies     map[string]Reply
	uploadReply Reply
	uploads     []Upload

	offline  int
	requests []Recorded
}

// Option configures the fake.
type Option func(*Server)

// WithBasicAuth requires user and password (or a session token) on every request.
func WithBasicAuth(user, password string) Option {
	return func(s *Server) {
		s.user = user
		s.password = password
	}
}

// WithPowerState sets the initial power state. Defaults to On.
func WithPowerState(state string) Option {
	return func(s *Server) {
		s.powerState = state
	}
}

// WithGracefulShutdownPolls sets how many system reads a graceful shutdown
// takes before the system reports Off. Defaults to 1.
func WithGracefulShutdownPolls(n int) Option {
	return func(s *Server) {
		s.gracefulPolls = n
	}
}

// WithPowerOnPolls makes an On reset report PoweringOn for n system reads
// before the system reports On.
func WithPowerOnPolls(n int) Option {
	return func(s *Server) {
		s.powerOnPolls = n
	}
}

// WithIgnoredGracefulShutdown makes the system ignore GracefulShutdown.
func WithIgnoredGracefulShutdown() Option {
	return func(s *Server) {
		s.ignoreGraceful = true
	}
}

// WithPageSize sets the collection page size. Defaults to 50.
func WithPageSize(n int) Option {
	return func(s *Server) {
		s.pageSize = n
	}
}

// New starts a fake endpoint. Close it with Close.
func New(opts ...Option) *Server {
	s := &Server{
		tokens:        make(map[string]bool),
		powerState:    "On",
		gracefulPolls: 1,
		resources:     make(map[string]map[string]any),
		collections:   make(map[string][]map[string]any),
		pageSize:      defaultPageSize,
		jobs:          make(map[string]*jobScript),
		replies:       make(map[string]Reply),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.seed()
	s.Server = httptest.NewUnstartedServer(s.buildRouter())
	// Fresh connections keep dropped requests from being replayed by the client.
	s.Server.Config.SetKeepAlivesEnabled(false)
	s.Server.StartTLS()
	return s
}

func (s *Server) seed() {
	s.collections["/redfish/v1/Systems"] = []map[string]any{{"@odata.id": SystemPath}}
	s.collections["/redfish/v1/Managers"] = []map[string]any{{"@odata.id": ManagerPath}}
	s.resources["/redfish/v1"] = map[string]any{
		"@odata.id":      "/redfish/v1",
		"Systems":        map[string]any{"@odata.id": "/redfish/v1/Systems"},
		"Managers":       map[string]any{"@odata.id": "/redfish/v1/Managers"},
		"UpdateService":  map[string]any{"@odata.id": "/redfish/v1/UpdateService"},
		"SessionService": map[string]any{"@odata.id": "/redfish/v1/SessionService"},
	}
	s.resources["/redfish/v1/UpdateService"] = map[string]any{
		"@odata.id":            "/redfish/v1/UpdateService",
		"MultipartHttpPushUri": MultipartPath,
		"HttpPushUri":          "/redfish/v1/UpdateService/FirmwareInventory",
		"Actions": map[string]any{
			"#UpdateService.SimpleUpdate": map[string]any{
				"target": "/redfish/v1/UpdateService/Actions/UpdateService.SimpleUpdate",
			},
		},
	}
	s.resources[ManagerPath] = map[string]any{
		"@odata.id": ManagerPath,
		"Id":        "iDRAC.Embedded.1",
		"Actions": map[string]any{
			"#Manager.Reset": map[string]any{"target": ManagerPath + "/Actions/Manager.Reset"},
		},
	}
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(s.connectivity)
	r.Use(s.record)

	r.Post(SessionsPath, s.handleCreateSession)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get(SystemPath, s.handleGetSystem)
		r.Post(SystemPath+"/Actions/ComputerSystem.Reset", s.handleSystemReset)
		r.Post(MultipartPath, s.handleMultipart)
		r.Get("/redfish/v1/*", s.handleGet)
		r.Patch("/redfish/v1/*", s.handleSubmit)
		r.Post("/redfish/v1/*", s.handleSubmit)
		r.Delete("/redfish/v1/*", s.handleSubmit)
		r.Get("/download/*", s.handleDownload)
	})

	return r
}

// Endpoint returns the host:port of the fake.
func (s *Server) Endpoint() string {
	return strings.TrimPrefix(s.URL, "https://")
}

// AddResource registers a static entity.
func (s *Server) AddResource(path string, body map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make(map[string]any, len(body)+1)
	for k, v := range body {
		copied[k] = v
	}
	if _, ok := copied["@odata.id"]; !ok {
		copied["@odata.id"] = path
	}
	s.resources[path] = copied
}

// AddCollection registers a paged collection.
func (s *Server) AddCollection(path string, members []map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[path] = members
}

// AddJob registers a scripted job at path.
func (s *Server) AddJob(path string, steps ...JobStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[path] = &jobScript{steps: steps, baseOns: s.powerOns}
}

// OnSubmit scripts the reply to a PATCH/POST/DELETE of path.
func (s *Server) OnSubmit(method, path string, reply Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[method+" "+path] = reply
}

// OnUpload scripts the reply to a multipart upload.
func (s *Server) OnUpload(reply Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadReply = reply
}

// GoOffline drops the next n requests at the connection level.
func (s *Server) GoOffline(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = n
}

// InvalidateSessions forgets every issued token, as a controller reset does.
func (s *Server) InvalidateSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]bool)
}

// IssueToken registers a session token without a login request.
func (s *Server) IssueToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	token := uuid.NewString()
	s.tokens[token] = true
	return token
}

// PowerState returns the current system power state.
func (s *Server) PowerState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.powerState
}

// SetPowerState forces the system power state.
func (s *Server) SetPowerState(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.powerState = state
	s.offCountdown = 0
}

// Resets returns the ResetType values received, in order.
func (s *Server) Resets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.resets...)
}

// Polls returns how many times the job at path was read.
func (s *Server) Polls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[path]; ok {
		return job.polls
	}
	return 0
}

// Uploads returns the multipart uploads received.
func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

// Requests returns every request seen.
func (s *Server) Requests() []Recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Recorded(nil), s.requests...)
}

// RequestsTo returns the requests seen for method and path.
func (s *Server) RequestsTo(method, path string) []Recorded {
	out := make([]Recorded, 0)
	for _, req := range s.Requests() {
		if req.Method == method && req.Path == path {
			out = append(out, req)
		}
	}
	return out
}

func (s *Server) connectivity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		drop := s.offline > 0
		if drop {
			s.offline--
		}
		s.mu.Unlock()
		if drop {
			dropConnection(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := Recorded{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery}
		if r.Body != nil && strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, &rec.Body)
			r.Body = io.NopCloser(strings.NewReader(string(raw)))
		}
		s.mu.Lock()
		s.requests = append(s.requests, rec)
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.user == "" {
			next.ServeHTTP(w, r)
			return
		}
		s.mu.Lock()
		tokenOK := s.tokens[r.Header.Get("X-Auth-Token")]
		s.mu.Unlock()
		user, password, basic := r.BasicAuth()
		if tokenOK || (basic && user == s.user && password == s.password) {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusUnauthorized, "Base.1.8.NoValidSession", "There is no valid session established with the implementation.")
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserName string
		Password string
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Base.1.8.MalformedJSON", "The request body submitted was malformed JSON.")
		return
	}
	if s.user != "" && (body.UserName != s.user || body.Password != s.password) {
		writeError(w, http.StatusUnauthorized, "Base.1.8.ResourceAtUriUnauthorized", "Invalid credentials.")
		return
	}

	token := s.IssueToken()
	sessionPath := SessionsPath + "/" + token[:8]
	w.Header().Set("X-Auth-Token", token)
	w.Header().Set("Location", sessionPath)
	writeJSON(w, http.StatusCreated, map[string]any{"@odata.id": sessionPath, "UserName": body.UserName})
}

func (s *Server) handleGetSystem(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	if s.offCountdown > 0 {
		s.offCountdown--
		if s.offCountdown == 0 {
			s.powerState = "Off"
		}
	}
	if s.onCountdown > 0 {
		s.onCountdown--
		if s.onCountdown == 0 {
			s.powerState = "On"
		}
	}
	state := s.powerState
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"@odata.id":  SystemPath,
		"Id":         "System.Embedded.1",
		"PowerState": state,
		"Actions": map[string]any{
			"#ComputerSystem.Reset": map[string]any{
				"target": SystemPath + "/Actions/ComputerSystem.Reset",
				"ResetType@Redfish.AllowableValues": []string{
					"On", "ForceOff", "GracefulShutdown", "GracefulRestart", "ForceRestart",
				},
			},
		},
	})
}

func (s *Server) handleSystemReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ResetType string
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ResetType == "" {
		writeError(w, http.StatusBadRequest, "Base.1.8.PropertyMissing", "The property ResetType is a required property.")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets = append(s.resets, body.ResetType)

	switch body.ResetType {
	case "On":
		if s.powerState != "On" {
			s.powerOns++
		}
		s.offCountdown = 0
		switch {
		case s.onCountdown > 0:
		case s.powerOnPolls > 0 && s.powerState != "On":
			s.powerState = "PoweringOn"
			s.onCountdown = s.powerOnPolls
		default:
			s.powerState = "On"
		}
	case "ForceOff":
		s.powerState = "Off"
		s.offCountdown = 0
		s.onCountdown = 0
	case "GracefulShutdown":
		if !s.ignoreGraceful && s.powerState == "On" {
			s.offCountdown = s.gracefulPolls
			if s.offCountdown <= 0 {
				s.powerState = "Off"
			}
		}
	case "GracefulRestart", "ForceRestart", "PowerCycle":
		s.powerOns++
	default:
		writeError(w, http.StatusBadRequest, "Base.1.8.ActionParameterValueNotInList",
			fmt.Sprintf("The value %s for the parameter ResetType is not in the list of acceptable values.", body.ResetType))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimRight(r.URL.Path, "/")

	s.mu.Lock()
	if job, ok := s.jobs[path]; ok {
		step := job.next(s.powerOns)
		s.mu.Unlock()
		s.writeJob(w, path, step)
		return
	}
	if members, ok := s.collections[path]; ok {
		pageSize := s.pageSize
		s.mu.Unlock()
		writePage(w, r, path, members, pageSize)
		return
	}
	body, ok := s.resources[path]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Base.1.8.ResourceMissingAtURI", fmt.Sprintf("The resource at the URI %s was not found.", path))
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (j *jobScript) next(powerOns int) JobStep {
	j.polls++
	if len(j.steps) == 0 {
		return JobStep{State: "Scheduled", Percent: -1}
	}
	step := j.steps[j.index]
	if step.HoldUntilPowerOn && powerOns <= j.baseOns {
		return step
	}
	if j.index < len(j.steps)-1 {
		j.index++
	}
	return step
}

func (s *Server) writeJob(w http.ResponseWriter, path string, step JobStep) {
	if step.Drop {
		dropConnection(w)
		return
	}
	if step.Status != 0 {
		writeError(w, step.Status, "Base.1.8.InternalError", step.Message)
		return
	}

	id := path[strings.LastIndex(path, "/")+1:]
	body := map[string]any{
		"@odata.id":   path,
		"@odata.type": "#DellJob.v1_2_0.DellJob",
		"Id":          id,
		"Name":        "Configure: " + id,
		"JobState":    step.State,
		"Message":     step.Message,
	}
	if strings.Contains(path, "/TaskService/Tasks/") {
		body["@odata.type"] = "#Task.v1_5_1.Task"
		delete(body, "JobState")
		body["TaskState"] = step.State
		body["Messages"] = []any{map[string]any{"Message": step.Message}}
	}
	if step.Percent >= 0 {
		body["PercentComplete"] = step.Percent
	}
	if step.JobType != "" {
		body["JobType"] = step.JobType
	}
	writeJSON(w, http.StatusOK, body)
}

func writePage(w http.ResponseWriter, r *http.Request, path string, members []map[string]any, pageSize int) {
	skip := 0
	if raw := r.URL.Query().Get("$skip"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Base.1.8.QueryParameterValueTypeError", "The value for the parameter $skip is of a different type.")
			return
		}
		skip = n
	}
	if skip > 0 && skip >= len(members) {
		writeError(w, http.StatusBadRequest, "Base.1.8.QueryParameterOutOfRange",
			fmt.Sprintf("The value %d for the query parameter $skip is out of range %d.", skip, len(members)))
		return
	}

	end := skip + pageSize
	if end > len(members) {
		end = len(members)
	}
	page := make([]any, 0, end-skip)
	for _, member := range members[skip:end] {
		page = append(page, member)
	}
	body := map[string]any{
		"@odata.id":           path,
		"Members":             page,
		"Members@odata.count": len(members),
	}
	if end < len(members) {
		body["Members@odata.nextLink"] = fmt.Sprintf("%s?$skip=%d", path, end)
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	reply, ok := s.replies[r.Method+" "+r.URL.Path]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Base.1.8.ResourceMissingAtURI", fmt.Sprintf("The resource at the URI %s was not found.", r.URL.Path))
		return
	}
	writeReply(w, reply)
}

func (s *Server) handleMultipart(w http.ResponseWriter, r *http.Request) {
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Base.1.8.UnsupportedMediaType", "Expected a multipart request body.")
		return
	}

	upload := Upload{}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "Base.1.8.MalformedJSON", err.Error())
			return
		}
		switch part.FormName() {
		case "UpdateParameters":
			if err := json.NewDecoder(part).Decode(&upload.Parameters); err != nil {
				writeError(w, http.StatusBadRequest, "Base.1.8.MalformedJSON", "UpdateParameters is not valid JSON.")
				return
			}
		case "UpdateFile":
			upload.Filename = part.FileName()
			upload.Size, err = io.Copy(io.Discard, part)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Base.1.8.GeneralError", err.Error())
				return
			}
		}
		_ = part.Close()
	}

	s.mu.Lock()
	s.uploads = append(s.uploads, upload)
	reply := s.uploadReply
	s.mu.Unlock()

	if reply.Status == 0 {
		reply.Status = http.StatusAccepted
	}
	writeReply(w, reply)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/download/")
	s.mu.Lock()
	body, ok := s.resources["/download/"+path]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Base.1.8.ResourceMissingAtURI", "not found")
		return
	}
	content, _ := body["content"].(string)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, content)
}

func writeReply(w http.ResponseWriter, reply Reply) {
	if reply.Location != "" {
		w.Header().Set("Location", reply.Location)
	}
	status := reply.Status
	if status == 0 {
		status = http.StatusOK
	}
	if status >= http.StatusBadRequest {
		message, _ := reply.Body["Message"].(string)
		writeError(w, status, "Base.1.8.GeneralError", message)
		return
	}
	if reply.Body == nil {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, status, reply.Body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json;odata.metadata=minimal;charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, messageID, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    messageID,
			"message": "A general error has occurred. See ExtendedInfo for more information.",
			"@Message.ExtendedInfo": []any{
				map[string]any{"MessageId": messageID, "Message": message},
			},
		},
	})
}

func dropConnection(w http.ResponseWriter) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		panic("redfishtest: response writer does not support hijacking")
	}
	conn, _, err := hijacker.Hijack()
	if err == nil {
		_ = conn.Close()
	}
}
