package api

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"boardsync/board"
	"boardsync/domain"
	"boardsync/repair"
	"boardsync/service"
)

const (
	maxBodySize  = 64 << 10
	readyTimeout = 10 * time.Second
	sessionKey   = "session"
)

// Server holds what the routes need.
type Server struct {
	Tasks    *service.TaskService
	Projects *service.ProjectService
	Checker  *repair.Checker
	Hub      *Hub
	Auth     Authenticator
	// Deduper is optional; without it Idempotency-Key headers are ignored.
	Deduper *RedisDeduper
	Logger  *log.Logger
}

// Register wires every route onto e.
func Register(e *echo.Echo, s *Server) {
	if s.Logger == nil {
		s.Logger = log.StandardLogger()
	}
	e.GET("/healthz", s.healthz)

	g := e.Group("/api", s.requireSession)
	g.GET("/projects", s.listProjects)
	g.POST("/projects", s.createProject)
	g.GET("/projects/:id", s.getProject)
	g.PATCH("/projects/:id", s.updateProject)
	g.DELETE("/projects/:id", s.deleteProject)

	g.GET("/projects/:id/board", s.getBoard)
	g.GET("/projects/:id/board/stream", s.streamBoard)
	g.POST("/projects/:id/moves", s.postMove)
	g.GET("/projects/:id/tasks", s.projectTasks)
	g.POST("/projects/:id/tasks", s.createTask)
	g.GET("/projects/:id/integrity", s.verifyProject)
	g.POST("/projects/:id/integrity/heal", s.healProject)

	g.GET("/tasks", s.tasksByIDs)
	g.GET("/tasks/:id", s.getTask)
	g.PATCH("/tasks/:id", s.updateTask)
	g.DELETE("/tasks/:id", s.deleteTask)
	g.GET("/me/tasks", s.myTasks)
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "boards": s.Hub.Open()})
}

func (s *Server) requireSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		session, err := s.Auth.SessionFromHeader(authHeader(c.Request()))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		c.Set(sessionKey, session)
		return next(c)
	}
}

func sessionOf(c echo.Context) domain.Session {
	session, _ := c.Get(sessionKey).(domain.Session)
	return session
}

func decodeBody(c echo.Context, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxBodySize))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorResponse{Error: msg})
}

type projectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	TeamID      string `json:"teamId"`
}

type projectPatchRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

func (s *Server) listProjects(c echo.Context) error {
	var teams []string
	for _, v := range c.QueryParams()["teamId"] {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				teams = append(teams, id)
			}
		}
	}
	projects, err := s.Projects.List(c.Request().Context(), sessionOf(c), teams)
	if err != nil {
		return writeError(c, s.Logger, err)
	}
	return c.JSON(http.StatusOK, projects)
}

func (s *Server) createProject(c echo.Context) error {
	var req projectRequest
	if err := decodeBody(c, &req); err != nil {
		return badRequest(c, "invalid body")
	}
	p, err := s.Projects.Create(c.Request().Context(), sessionOf(c), domain.ProjectInput{
		Name:        req.Name,
		Description: req.Description,
		TeamID:      req.TeamID,
	})
	if err != nil {
		return writeError(c, s.Logger, err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (s *Server) getProject(c echo.Context) error {
	p, err := s.Projects.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, s.Logger, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) updateProject(c echo.Context) error {
	var req projectPatchRequest
	if err := decodeBody(c, &req); err != nil {
		return badRequest(c, "invalid body")
	}
	p, err := s.Projects.Update(c.Request().Context(), c.Param("id"), domain.ProjectPatch{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		return writeError(c, s.Logger, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) deleteProject(c echo.Context) error {
	if err := s.Projects.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return writeError(c, s.Logger, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// openBoard acquires the project's board and waits for its first snapshot.
func (s *Server) openBoard(c echo.Context) (*service.Board, func(), error) {
	b, release, err := s.Hub.Acquire(c.Request().Context(), c.Param("id"))
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), readyTimeout)
	defer cancel()
	if err := ready(ctx, b.State); err != nil {
		release()
		return nil, nil, err
	}
	return b, release, nil
}

type boardResponse struct {
	domain.Board
	Generation uint64 `json:"generation"`
	Pending    int    `json:"pending"`
}

func boardView(state *board.State) boardResponse {
	return boardResponse{
		Board:      state.Current(),
		Generation: state.Generation(),
		Pending:    len(state.Pending()),
	}
}

func (s *Server) getBoard(c echo.Context) error {
	b, release, err := s.openBoard(c)
	if err != nil {
		return writeError(c, s.Logger, err)
	}
	defer release()
	return c.JSON(http.StatusOK, boardView(b.State))
}

func (s *Server) postMove(c echo.Context) error {
	var m board.Move
	if err := decodeBody(c, &m); err != nil {
		return badRequest(c, "invalid body")
	}
	b, release, err := s.openBoard(c)
	if err != nil {
		return writeError(c, s.Logger, err)
	}
	defer release()
	if err := b.Mover.Move(c.Request().Context(), m); err != nil {
		return writeError(c, s.Logger, err)
	}
	return c.JSON(http.StatusOK, boardView(b.State))
}

type taskRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Status      domain.Status   `json:"status"`
	Priority    domain.Priority `json:"priority"`
	AssignedTo  string          `json:"assignedTo"`
	DueDate     string          `json:"dueDate"`
	Labels      []string        `json:"labels"`
}

// taskPatchRequest clears assignee or due date when they are sent as "".
type taskPatchRequest struct {
	Title       *string          `json:"title"`
	Description *string          `json:"description"`
	Status      *domain.Status   `json:"status"`
	Priority    *domain.Priority `json:"priority"`
	AssignedTo  *string          `json:"assignedTo"`
	DueDate     *string          `json:"dueDate"`
	Labels      *[]string        `json:"labels"`
}

func (r taskPatchRequest) patch() domain.TaskPatch {
	p := domain.TaskPatch{
		Title:       r.Title,
		Description: r.Description,
		Status:      r.Status,
		Priority:    r.Priority,
	}
	if r.AssignedTo != nil {
		if *r.AssignedTo == "" {
			p.ClearAssignee = true
		} else {
			p.AssignedTo = r.AssignedTo
		}
	}
	if r.DueDate != nil {
		if *r.DueDate == "" {
			p.ClearDueDate = true
		} else {
			p.DueDate = r.DueDate
		}
	}
	if r.Labels != nil {
		p.SetLabels = true
		p.Labels = *r.Labels
	}
	return p
}

func (s *Server) createTask(c echo.Context) error {
	var req taskRequest
	if err := decodeBody(c, &req); err != nil {
		return badRequest(c, "invalid body")
	}
	ctx := c.Request().Context()
	session := sessionOf(c)

	var idem *CreateKey
	if key := c.Request().Header.Get("Idempotency-Key"); key != "" && s.Deduper != nil {
		k := CreateKey{UserID: session.UserID, ProjectID: c.Param("id"), Key: key}
		prior, claimed, err := s.Deduper.Claim(ctx, k)
		switch {
		case err != nil:
			s.Logger.WithError(err).Warn("idempotency check failed, processing request")
		case !claimed && prior == "":
			return c.JSON(http.StatusConflict, errorResponse{Error: "request with this Idempotency-Key is in progress", ProjectID: k.ProjectID})
		case !claimed:
			t, err := s.Tasks.Get(ctx, prior)
			if err != nil {
				return writeError(c, s.Logger, err)
			}
			return c.JSON(http.StatusOK, t)
		default:
			idem = &k
		}
	}

	t, err := s.Tasks.Create(ctx, session, c.Param("id"), domain.TaskInput{
		Title:       req.Title,
		Description: req.Description,
		Status:      req.Status,
		Priority:    req.Priority,
		AssignedTo:  req.AssignedTo,
		DueDate:     req.DueDate,
		Labels:      req.Labels,
	})
	if idem != nil {
		// A task that exists despite the error must not be created again.
		var ierr error
		if t.ID != "" {
			ierr = s.Deduper.Complete(ctx, *idem, t.ID)
		} else {
			ierr = s.Deduper.Release(ctx, *idem)
		}
		if ierr != nil {
			s.Logger.WithError(ierr).Warn("update idempotency key")
		}
	}
	if err != nil {
		return writeError(c, s.Logger, err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (s *Server) getTask(c echo.Context) error {
	t, err := s.Tasks.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, s.Logger, err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) updateTask(c echo.Context) error {
	var req taskPatchRequest
	if err := decodeBody(c, &req); err != nil {
		return badRequest(c, "invalid body")
	}
	t, err := s.Tasks.Update(c.Request().Context(), c.Param("id"), req.patch())
	if err != nil {
		return writeError(c, s.Logger, err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) deleteTask(c echo.Context) error {
	if err := s.Tasks.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return writeError(c, s.Logger, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) tasksByIDs(c echo.Context) error {
	var ids []string
	for _, id := range strings.Split(c.QueryParam("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	tasks, err := s.Tasks.ByIDs(c.Request().Context(), ids)
	if err != nil {
		return writeError(c, s.Logger, err)
	}
	return c.JSON(http.StatusOK, tasks)
}

func (s *Server) projectTasks(c echo.Context) error {
	tasks, err := s.Tasks.ByProject(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, s.Logger, err)
	}
	return c.JSON(http.StatusOK, tasks)
}

func (s *Server) myTasks(c echo.Context) error {
	tasks, err := s.Tasks.AssignedTo(c.Request().Context(), sessionOf(c))
	if err != nil {
		return writeError(c, s.Logger, err)
	}
	return c.JSON(http.StatusOK, tasks)
}

func (s *Server) verifyProject(c echo.Context) error {
	report, err := s.Checker.Verify(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, s.Logger, err)
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) healProject(c echo.Context) error {
	report, err := s.Checker.Heal(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, s.Logger, err)
	}
	return c.JSON(http.StatusOK, report)
}
