// Package controllertest provides an in-process fake lab controller.
//
// The fake implements just enough of the controller API to drive a spawner
// through create, progress streaming, status polling and deletion. Tests
// tune its behavior through the setter methods.
package controllertest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/holon-run/restspawner/pkg/controller"
)

// Server is a fake lab controller listening on a local port.
type Server struct {
	// BaseURL is the controller URL to configure clients with.
	BaseURL string

	userToken  string
	adminToken string
	httpServer *httptest.Server

	mu              sync.Mutex
	labs            map[string]controller.LabStatus
	requests        map[string][]controller.CreateLabRequest
	creates         map[string]int
	streams         map[string]int
	delay           time.Duration
	stall           time.Duration
	failDuringSpawn bool
	framing         string
	returnURL       bool
}

// New starts a fake controller that accepts the given user and admin tokens.
// Callers must Close it.
func New(userToken, adminToken string) *Server {
	gin.SetMode(gin.TestMode)

	s := &Server{
		userToken:  userToken,
		adminToken: adminToken,
		labs:       make(map[string]controller.LabStatus),
		requests:   make(map[string][]controller.CreateLabRequest),
		creates:    make(map[string]int),
		streams:    make(map[string]int),
		framing:    "json",
	}

	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/nublado/" + controller.DefaultPathPrefix)
	api.GET("/labs/:user", s.requireToken(true), s.status)
	api.DELETE("/labs/:user", s.requireToken(true), s.delete)
	api.POST("/labs/:user/create", s.requireToken(false), s.create)
	api.GET("/labs/:user/events", s.requireToken(false), s.events)
	api.GET("/lab-form/:user", s.requireToken(false), s.labForm)

	s.httpServer = httptest.NewServer(router)
	s.BaseURL = s.httpServer.URL + "/nublado"
	return s
}

// Close shuts the server down.
func (s *Server) Close() {
	s.httpServer.Close()
}

// InternalURL is the lab URL the fake reports for user.
func InternalURL(user string) string {
	return fmt.Sprintf("http://lab.nublado-%s:8888", user)
}

// SetStatus forces the recorded lab status for user.
func (s *Server) SetStatus(user string, status controller.LabStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labs[user] = status
}

// Status returns the recorded status for user and whether a lab exists.
func (s *Server) Status(user string) (controller.LabStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.labs[user]
	return status, ok
}

// SetDelay sets the pause between groups of progress events.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// SetStall makes event streams send nothing for d after opening.
func (s *Server) SetStall(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stall = d
}

// SetFailDuringSpawn makes new spawns end with a failed event.
func (s *Server) SetFailDuringSpawn(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDuringSpawn = fail
}

// SetFraming selects "json" or "bare" event payloads.
func (s *Server) SetFraming(framing string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.framing = framing
}

// SetReturnURL makes create answer with the lab record, URL included.
func (s *Server) SetReturnURL(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.returnURL = v
}

// Creates returns how many labs were actually created for user.
func (s *Server) Creates(user string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates[user]
}

// Streams returns how many event streams were opened for user.
func (s *Server) Streams(user string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[user]
}

// Requests returns every create body received for user.
func (s *Server) Requests(user string) []controller.CreateLabRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]controller.CreateLabRequest(nil), s.requests[user]...)
}

func (s *Server) requireToken(admin bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		want := s.userToken
		if admin {
			want = s.adminToken
		}
		scheme, token, ok := strings.Cut(c.GetHeader("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "missing bearer token"})
			return
		}
		if token != want {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"detail": "wrong token"})
			return
		}
		c.Next()
	}
}

func (s *Server) status(c *gin.Context) {
	user := c.Param("user")
	status, ok := s.Status(user)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "lab not found"})
		return
	}
	c.JSON(http.StatusOK, controller.Lab{Status: status, InternalURL: InternalURL(user)})
}

func (s *Server) delete(c *gin.Context) {
	user := c.Param("user")
	s.mu.Lock()
	_, ok := s.labs[user]
	delete(s.labs, user)
	s.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "lab not found"})
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) create(c *gin.Context) {
	user := c.Param("user")
	var body controller.CreateLabRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}

	s.mu.Lock()
	s.requests[user] = append(s.requests[user], body)
	if _, exists := s.labs[user]; exists {
		s.mu.Unlock()
		c.Status(http.StatusConflict)
		return
	}
	if s.failDuringSpawn {
		s.labs[user] = controller.LabFailed
	} else {
		s.labs[user] = controller.LabRunning
	}
	s.creates[user]++
	returnURL := s.returnURL
	s.mu.Unlock()

	c.Header("Location", s.BaseURL+"/"+controller.DefaultPathPrefix+"/labs/"+user)
	if returnURL {
		c.JSON(http.StatusCreated, controller.Lab{Status: controller.LabRunning, InternalURL: InternalURL(user)})
		return
	}
	c.Status(http.StatusCreated)
}

func (s *Server) labForm(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8",
		[]byte(fmt.Sprintf("<p>This is some lab form for %s</p>", c.Param("user"))))
}

func (s *Server) events(c *gin.Context) {
	user := c.Param("user")

	s.mu.Lock()
	_, exists := s.labs[user]
	if exists {
		s.streams[user]++
	}
	delay, stall, fail, framing := s.delay, s.stall, s.failDuringSpawn, s.framing
	s.mu.Unlock()

	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"detail": "no lab in progress"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	ctx := c.Request.Context()
	wait := func(d time.Duration) bool {
		if d <= 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	if !wait(stall) {
		return
	}
	for i, group := range script(user, framing, fail) {
		if i > 0 && !wait(delay) {
			return
		}
		if _, err := c.Writer.WriteString(group); err != nil {
			return
		}
		c.Writer.Flush()
	}
}

// script returns the event stream for one spawn, split into groups sent
// with a delay between them.
func script(user, framing string, fail bool) []string {
	ping := fmt.Sprintf("event: ping\r\ndata: %s\r\n\r\n", time.Now().UTC().Format(time.RFC3339Nano))

	if framing == "bare" {
		groups := []string{
			"event: progress\r\ndata: 2\r\n\r\nevent: info\r\ndata: Lab creation initiated\r\n\r\n",
			ping + "event: progress\r\ndata: 45\r\n\r\nevent: info\r\ndata: Pod requested\r\n\r\n",
		}
		if fail {
			return append(groups,
				"event: error\r\ndata: Something is going wrong\r\n\r\n"+
					fmt.Sprintf("event: failed\r\ndata: Some random failure for %s\r\n\r\n", user))
		}
		return append(groups, fmt.Sprintf("event: complete\r\ndata: Pod successfully spawned for %s\r\n\r\n", user))
	}

	groups := []string{
		"event: info\r\ndata: {\"message\": \"Lab creation initiated\", \"progress\": 2}\r\n\r\n",
		ping + "event: info\r\ndata: {\"message\": \"Pod requested\", \"progress\": 45}\r\n\r\n",
	}
	if fail {
		return append(groups,
			"event: blahblah\r\ndata: This is not JSON\r\n\r\n"+
				"event: error\r\ndata: {\"message\": \"Something is going wrong\"}\r\n\r\n"+
				"event: info\r\ndata: {\"invalid\": \"value\"}\r\n\r\n"+
				"event: info\r\ndata: {\"message\": \"Blah\", \"progress\": \"Happy!\"}\r\n\r\n"+
				fmt.Sprintf("event: failed\r\ndata: {\"message\": \"Some random failure for %s\"}\r\n\r\n", user))
	}
	return append(groups,
		fmt.Sprintf("event: complete\r\ndata: {\"message\": \"Pod successfully spawned for %s\"}\r\n\r\n", user))
}
