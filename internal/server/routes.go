package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket status stream
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Parsing schemas
	mux.HandleFunc("/api/schemas", s.handleSchemasRoute) // GET (list), POST (register)
	mux.HandleFunc("/api/schemas/", s.handleSchemaRoutes)

	// API routes - Extraction tasks
	mux.HandleFunc("/api/tasks", s.handleTasksRoute) // GET (list), POST (create)
	mux.HandleFunc("/api/tasks/stats", s.app.TaskHandler.GetTaskStatsHandler)
	mux.HandleFunc("/api/tasks/", s.handleTaskRoutes)

	// API routes - Dead letters
	mux.HandleFunc("/api/dlq", s.app.TaskHandler.ListDeadLettersHandler)
	mux.HandleFunc("/api/dlq/", s.app.TaskHandler.RemoveDeadLetterHandler)

	// API routes - Scheduled task templates
	mux.HandleFunc("/api/scheduled-tasks", s.handleScheduledTasksRoute) // GET (list), POST (create)
	mux.HandleFunc("/api/scheduled-tasks/", s.handleScheduledTaskRoutes)
	mux.HandleFunc("/api/scheduler/jobs", s.app.ScheduledTaskHandler.GetJobStatusesHandler)

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.StatusHandler.HealthHandler)
	mux.HandleFunc("/api/status", s.app.StatusHandler.GetStatusHandler)
	mux.HandleFunc("/api/shutdown", s.ShutdownHandler) // Graceful shutdown endpoint (dev mode)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleSchemasRoute routes /api/schemas requests (list and register)
func (s *Server) handleSchemasRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r,
		s.app.SchemaHandler.ListSchemasHandler,
		s.app.SchemaHandler.RegisterSchemaHandler,
	)
}

// handleSchemaRoutes routes /api/schemas/{id} requests and subpaths
func (s *Server) handleSchemaRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if r.Method == "GET" && strings.HasSuffix(path, "/versions") {
		s.app.SchemaHandler.ListSchemaVersionsHandler(w, r)
		return
	}

	if r.Method == "POST" {
		switch {
		case strings.HasSuffix(path, "/rollback"):
			s.app.SchemaHandler.RollbackSchemaHandler(w, r)
		case strings.HasSuffix(path, "/enable"):
			s.app.SchemaHandler.SetSchemaActiveHandler(w, r, true)
		case strings.HasSuffix(path, "/disable"):
			s.app.SchemaHandler.SetSchemaActiveHandler(w, r, false)
		default:
			http.Error(w, "Not found", http.StatusNotFound)
		}
		return
	}

	RouteResourceItem(w, r,
		s.app.SchemaHandler.GetSchemaHandler,
		nil,
		s.app.SchemaHandler.DeleteSchemaHandler,
	)
}

// handleTasksRoute routes /api/tasks requests (list and create)
func (s *Server) handleTasksRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r,
		s.app.TaskHandler.ListTasksHandler,
		s.app.TaskHandler.CreateTaskHandler,
	)
}

// handleTaskRoutes routes /api/tasks/{id} requests and subpaths
func (s *Server) handleTaskRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if r.Method == "GET" && strings.HasSuffix(path, "/runs") {
		s.app.TaskHandler.GetTaskRunsHandler(w, r)
		return
	}

	if r.Method == "POST" {
		switch {
		case strings.HasSuffix(path, "/retry"):
			s.app.TaskHandler.RetryTaskHandler(w, r)
		case strings.HasSuffix(path, "/cancel"):
			s.app.TaskHandler.CancelTaskHandler(w, r)
		default:
			http.Error(w, "Not found", http.StatusNotFound)
		}
		return
	}

	RouteByMethod(w, r, MethodRouter{
		"GET": s.app.TaskHandler.GetTaskHandler,
	})
}

// handleScheduledTasksRoute routes /api/scheduled-tasks requests (list and create)
func (s *Server) handleScheduledTasksRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r,
		s.app.ScheduledTaskHandler.ListScheduledTasksHandler,
		s.app.ScheduledTaskHandler.CreateScheduledTaskHandler,
	)
}

// handleScheduledTaskRoutes routes /api/scheduled-tasks/{id} requests and subpaths
func (s *Server) handleScheduledTaskRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if r.Method == "POST" {
		switch {
		case strings.HasSuffix(path, "/enable"):
			s.app.ScheduledTaskHandler.SetScheduledTaskEnabledHandler(w, r, true)
		case strings.HasSuffix(path, "/disable"):
			s.app.ScheduledTaskHandler.SetScheduledTaskEnabledHandler(w, r, false)
		case strings.HasSuffix(path, "/trigger"):
			s.app.ScheduledTaskHandler.TriggerScheduledTaskHandler(w, r)
		default:
			http.Error(w, "Not found", http.StatusNotFound)
		}
		return
	}

	RouteResourceItem(w, r,
		s.app.ScheduledTaskHandler.GetScheduledTaskHandler,
		s.app.ScheduledTaskHandler.UpdateScheduledTaskHandler,
		s.app.ScheduledTaskHandler.DeleteScheduledTaskHandler,
	)
}
