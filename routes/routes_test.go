package routes

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"Gin_postgres_redis_laptop_checkout/app"
	"Gin_postgres_redis_laptop_checkout/broadcast"
	"Gin_postgres_redis_laptop_checkout/config"
	"Gin_postgres_redis_laptop_checkout/loans"
	"Gin_postgres_redis_laptop_checkout/logs"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var (
	student  = loans.Actor{ID: "stu-1", Email: "kid@school.test", Name: "Kid", Role: loans.RoleStudent}
	homeroom = loans.Actor{ID: "hr-21", Email: "hr21@school.test", Name: "Ms Lin", Role: loans.RoleHomeroom, HomeroomApproved: true, Grade: 2, ClassNo: 1}
	helper22 = loans.Actor{ID: "help-22", Email: "help22@school.test", Name: "Helper", Role: loans.RoleHelper, Grade: 2, ClassNo: 2}
	admin    = loans.Actor{ID: "adm-1", Email: "admin@school.test", Name: "Admin", Role: loans.RoleAdmin}
)

type server struct {
	t   *testing.T
	app *app.App
}

func newServer(t *testing.T, limit int) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logs.Logger = logs.Discard()
	cfg := config.Config{
		DBDriver:          "memory",
		JWTSecret:         []byte("test-secret"),
		RateLimitRequests: limit,
		RateLimitWindow:   time.Minute,
		Location:          time.UTC,
	}
	a, err := app.Build(cfg, app.Deps{Clock: fixedClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	RegisterRoutes(a.Router, a)
	return &server{t: t, app: a}
}

func (s *server) do(method, path string, who *loans.Actor, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if who != nil {
		tok, err := s.app.IssueToken(*who, time.Hour)
		if err != nil {
			s.t.Fatalf("token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	s.app.Router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func loanRequest() map[string]any {
	return map[string]any{
		"studentName": "Kid",
		"studentNo":   5,
		"className":   "2-1",
		"purpose":     "homework",
		"dueDate":     "2026-03-05",
		"signature":   "Kid",
	}
}

func (s *server) createLoan(who loans.Actor) loans.LoanView {
	s.t.Helper()
	w := s.do(http.MethodPost, "/api/loans", &who, loanRequest())
	if w.Code != http.StatusCreated {
		s.t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	return decode[loans.LoanView](s.t, w)
}

func TestHealthz(t *testing.T) {
	s := newServer(t, 10)
	if w := s.do(http.MethodGet, "/healthz", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("healthz: %d", w.Code)
	}
	if w := s.do(http.MethodGet, "/metrics", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("metrics: %d", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	s := newServer(t, 10)
	if w := s.do(http.MethodGet, "/api/loans", nil, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/loans", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	w := httptest.NewRecorder()
	s.app.Router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", w.Code)
	}
}

func TestLoanLifecycleOverHTTP(t *testing.T) {
	s := newServer(t, 10)
	loan := s.createLoan(student)
	if loan.Status != "requested" || loan.Email != student.Email {
		t.Fatalf("unexpected loan %+v", loan.Loan)
	}

	w := s.do(http.MethodPatch, "/api/loans", &homeroom, map[string]any{"id": loan.ID, "status": "approved"})
	if w.Code != http.StatusOK {
		t.Fatalf("approve: %d %s", w.Code, w.Body.String())
	}
	res := decode[loans.Result](t, w)
	if res.Loan.Status != "approved" || res.Loan.Tag() != "ICH-20105" || len(res.Warnings) != 0 {
		t.Fatalf("unexpected approve result %+v", res)
	}

	w = s.do(http.MethodPatch, "/api/loans", &homeroom, map[string]any{"id": loan.ID, "status": "picked_up", "signature": "Kid"})
	if w.Code != http.StatusOK {
		t.Fatalf("pickup: %d %s", w.Code, w.Body.String())
	}

	w = s.do(http.MethodGet, "/api/devices/ich20105", &student, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get device: %d %s", w.Code, w.Body.String())
	}
	dev := decode[map[string]any](t, w)
	if dev["status"] != "loaned" || dev["currentLoanId"] != loan.ID {
		t.Fatalf("device not flipped: %v", dev)
	}

	w = s.do(http.MethodGet, "/api/loans/"+loan.ID, &student, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get loan: %d", w.Code)
	}
	if v := decode[loans.LoanView](t, w); len(v.Events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(v.Events))
	}

	w = s.do(http.MethodGet, "/api/loans/"+loan.ID+"/signatures/pickup", &student, nil)
	if w.Code != http.StatusOK || w.Body.String() != "Kid" {
		t.Fatalf("pickup signature: %d %q", w.Code, w.Body.String())
	}

	w = s.do(http.MethodPatch, "/api/loans", &homeroom, map[string]any{"id": loan.ID, "status": "returned", "damaged": true, "condition": "cracked hinge"})
	if w.Code != http.StatusOK {
		t.Fatalf("return: %d %s", w.Code, w.Body.String())
	}
	w = s.do(http.MethodGet, "/api/devices/ICH-20105", &student, nil)
	if dev := decode[map[string]any](t, w); dev["status"] != "available" || dev["notes"] == nil {
		t.Fatalf("device not released with note: %v", dev)
	}
}

func TestTransitionErrors(t *testing.T) {
	s := newServer(t, 10)
	loan := s.createLoan(student)

	cases := []struct {
		name   string
		who    loans.Actor
		body   map[string]any
		status int
		code   string
	}{
		{"student approves", student, map[string]any{"id": loan.ID, "status": "approved"}, http.StatusForbidden, "PERMISSION"},
		{"other class helper", helper22, map[string]any{"id": loan.ID, "status": "approved"}, http.StatusForbidden, "PERMISSION"},
		{"other class helper reopens", helper22, map[string]any{"id": loan.ID, "status": "requested"}, http.StatusForbidden, "PERMISSION"},
		{"back to requested", homeroom, map[string]any{"id": loan.ID, "status": "requested"}, http.StatusConflict, "STATE_CONFLICT"},
		{"unknown status", homeroom, map[string]any{"id": loan.ID, "status": "lost"}, http.StatusBadRequest, "VALIDATION"},
		{"missing loan", homeroom, map[string]any{"id": "nope", "status": "approved"}, http.StatusNotFound, "NOT_FOUND"},
		{"bad device tag", homeroom, map[string]any{"id": loan.ID, "status": "approved", "device_tag": "LAP-1"}, http.StatusBadRequest, "VALIDATION"},
		{"missing id", homeroom, map[string]any{"status": "approved"}, http.StatusBadRequest, "VALIDATION"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			who := tc.who
			w := s.do(http.MethodPatch, "/api/loans", &who, tc.body)
			if w.Code != tc.status {
				t.Fatalf("expected %d, got %d %s", tc.status, w.Code, w.Body.String())
			}
			if e := decode[errorBody](t, w); e.Error.Code != tc.code {
				t.Fatalf("expected code %s, got %+v", tc.code, e)
			}
		})
	}
}

func TestCreateValidationAndDuplicate(t *testing.T) {
	s := newServer(t, 10)
	bad := loanRequest()
	bad["className"] = "second grade"
	w := s.do(http.MethodPost, "/api/loans", &student, bad)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", w.Code, w.Body.String())
	}

	s.createLoan(student)
	w = s.do(http.MethodPost, "/api/loans", &student, loanRequest())
	if w.Code != http.StatusConflict {
		t.Fatalf("expected duplicate to conflict, got %d %s", w.Code, w.Body.String())
	}
}

func TestCreateRateLimited(t *testing.T) {
	s := newServer(t, 2)
	for i := 0; i < 2; i++ {
		w := s.do(http.MethodPost, "/api/loans", &student, map[string]any{})
		if w.Code == http.StatusTooManyRequests {
			t.Fatalf("request %d limited too early", i)
		}
	}
	w := s.do(http.MethodPost, "/api/loans", &student, loanRequest())
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("X-RateLimit-Limit") != "2" || w.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected headers %v", w.Header())
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}

	// 其他人不受影响
	if w := s.do(http.MethodPost, "/api/loans", &homeroom, map[string]any{}); w.Code == http.StatusTooManyRequests {
		t.Fatalf("limit leaked across actors")
	}
}

func TestListVisibility(t *testing.T) {
	s := newServer(t, 10)
	s.createLoan(student)
	other := loans.Actor{ID: "stu-2", Email: "other@school.test", Name: "Other", Role: loans.RoleStudent}
	s.createLoan(other)

	type list struct {
		Items []loans.LoanView `json:"items"`
		Total int64            `json:"total"`
	}
	if got := decode[list](t, s.do(http.MethodGet, "/api/loans", &student, nil)); got.Total != 1 || got.Items[0].Email != student.Email {
		t.Fatalf("student sees %+v", got)
	}
	if got := decode[list](t, s.do(http.MethodGet, "/api/loans", &homeroom, nil)); got.Total != 2 {
		t.Fatalf("homeroom sees %d", got.Total)
	}
	if got := decode[list](t, s.do(http.MethodGet, "/api/loans?className=2-1&limit=1", &admin, nil)); got.Total != 2 || len(got.Items) != 1 {
		t.Fatalf("admin page %+v", got)
	}
	if w := s.do(http.MethodGet, "/api/loans?className=2-1", &helper22, nil); w.Code != http.StatusForbidden {
		t.Fatalf("helper outside class: %d", w.Code)
	}
	if got := decode[list](t, s.do(http.MethodGet, "/api/loans/overdue", &admin, nil)); got.Total != 0 {
		t.Fatalf("nothing is overdue yet, got %d", got.Total)
	}
}

func TestDevicesEndpoints(t *testing.T) {
	s := newServer(t, 10)
	s.app.Layout = loans.Layout{Grades: []loans.GradeLayout{{Grade: 2, Classes: 2, Slots: 3}}}

	if w := s.do(http.MethodPost, "/api/devices/seed", &homeroom, nil); w.Code != http.StatusForbidden {
		t.Fatalf("homeroom seed: %d", w.Code)
	}
	w := s.do(http.MethodPost, "/api/devices/seed", &admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("seed: %d %s", w.Code, w.Body.String())
	}
	if got := decode[map[string]int](t, w); got["created"] != 6 {
		t.Fatalf("created %v", got)
	}

	type list struct {
		Total int64 `json:"total"`
	}
	if got := decode[list](t, s.do(http.MethodGet, "/api/devices?className=2-2", &student, nil)); got.Total != 3 {
		t.Fatalf("class 2-2 devices: %d", got.Total)
	}

	w = s.do(http.MethodPatch, "/api/devices", &homeroom, map[string]any{"deviceTag": "ICH-20201", "status": "maintenance"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("homeroom 2-1 editing 2-2 device: %d %s", w.Code, w.Body.String())
	}
	w = s.do(http.MethodPatch, "/api/devices", &helper22, map[string]any{"deviceTag": "ICH-20201", "status": "maintenance", "notes": "screen"})
	if w.Code != http.StatusOK {
		t.Fatalf("helper 2-2 edit: %d %s", w.Code, w.Body.String())
	}
	w = s.do(http.MethodPatch, "/api/devices", &admin, map[string]any{"deviceTag": "ICH-20201", "status": "lost"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad status: %d", w.Code)
	}
}

func TestAccountRoutesNeedDatabase(t *testing.T) {
	s := newServer(t, 10)
	if w := s.do(http.MethodGet, "/api/users", &admin, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected user admin to be unmounted in memory mode, got %d", w.Code)
	}
	w := s.do(http.MethodGet, "/api/whoami", &homeroom, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("whoami: %d", w.Code)
	}
	if got := decode[map[string]any](t, w); got["className"] != "2-1" || got["effectiveRole"] != "homeroom" {
		t.Fatalf("whoami %v", got)
	}
}

func TestEventsStream(t *testing.T) {
	s := newServer(t, 10)
	hub, ok := s.app.Hub.(*broadcast.MemoryHub)
	if !ok {
		t.Fatalf("expected memory hub, got %T", s.app.Hub)
	}
	srv := httptest.NewServer(s.app.Router)
	defer srv.Close()
	loan := s.createLoan(student)

	got := readLoanEvents(t, srv.URL, s, hub, homeroom, loan.ID)
	if len(got) < 2 || got[0] != "event:loans" || !strings.Contains(got[1], loan.ID) {
		t.Fatalf("unexpected stream %q", got)
	}

	if w := s.do(http.MethodGet, "/api/events?topic=users", &homeroom, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad topic: %d", w.Code)
	}
}

// readLoanEvents 订阅 loans 话题，依次推送 ids，返回收到的第一条事件
func readLoanEvents(t *testing.T, base string, s *server, hub *broadcast.MemoryHub, who loans.Actor, ids ...string) []string {
	t.Helper()
	tok, _ := s.app.IssueToken(who, time.Hour)
	req, _ := http.NewRequest(http.MethodGet, base+"/api/events?topic=loans", nil)
	req.Header.Set("Authorization", "Bearer "+tok)

	// 等上一条连接退订
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers(loans.TopicLoans) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for hub.Subscribers(loans.TopicLoans) == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		for _, id := range ids {
			hub.Notify(context.Background(), loans.TopicLoans, id, "approved")
		}
	}()

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	sc := bufio.NewScanner(resp.Body)
	var got []string
	for sc.Scan() && len(got) < 2 {
		if line := sc.Text(); line != "" {
			got = append(got, line)
		}
	}
	return got
}

func TestEventsStreamFiltersLoans(t *testing.T) {
	s := newServer(t, 10)
	hub := s.app.Hub.(*broadcast.MemoryHub)
	srv := httptest.NewServer(s.app.Router)
	defer srv.Close()

	mine := s.createLoan(student)
	body := loanRequest()
	body["email"] = "other@school.test"
	body["studentNo"] = 6
	body["className"] = "2-2"
	w := s.do(http.MethodPost, "/api/loans", &admin, body)
	if w.Code != http.StatusCreated {
		t.Fatalf("create other: %d %s", w.Code, w.Body.String())
	}
	other := decode[loans.LoanView](t, w)

	got := readLoanEvents(t, srv.URL, s, hub, student, other.ID, mine.ID)
	if len(got) < 2 || strings.Contains(got[1], other.ID) || !strings.Contains(got[1], mine.ID) {
		t.Fatalf("student stream %q", got)
	}
	got = readLoanEvents(t, srv.URL, s, hub, helper22, mine.ID, other.ID)
	if len(got) < 2 || !strings.Contains(got[1], other.ID) {
		t.Fatalf("helper 2-2 stream %q", got)
	}
}
