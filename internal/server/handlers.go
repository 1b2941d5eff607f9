package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/appforge/sandboxd/internal/logging"
	"github.com/appforge/sandboxd/internal/ports"
	"github.com/appforge/sandboxd/internal/sandbox"
	"github.com/appforge/sandboxd/internal/vmservice"
)

// handlers binds the façade to routes. File and command operations return
// 200 with a structured result; only malformed requests and lifecycle
// errors map to HTTP error codes.
type handlers struct {
	svc   *vmservice.Service
	ports *ports.Service
	log   *logging.Logger
}

func (h *handlers) register(r *gin.Engine) {
	r.GET("/health", h.health)

	api := r.Group("/api")
	projects := api.Group("/projects/:id")
	{
		projects.POST("/workspace", h.setupWorkspace)
		projects.DELETE("/workspace", h.teardownWorkspace)
		projects.GET("/status", h.projectStatus)

		projects.POST("/execute", h.execute)
		projects.POST("/packages", h.installPackage)

		projects.GET("/files", h.readFile)
		projects.PUT("/files", h.writeFile)
		projects.POST("/files", h.createFile)
		projects.DELETE("/files", h.deleteFile)
		projects.POST("/files/move", h.moveFile)
		projects.GET("/files/tree", h.fileTree)
		projects.GET("/files/list", h.listDirectory)
		projects.POST("/directories", h.createDirectory)
		projects.DELETE("/directories", h.deleteDirectory)

		projects.POST("/services", h.startService)
		projects.DELETE("/services/:name", h.stopService)

		projects.POST("/ports/:port/expose", h.exposePort)
	}
	api.GET("/ports/tasks/:taskID", h.portTask)
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) setupWorkspace(c *gin.Context) {
	projectID := c.Param("id")

	info, err := h.svc.SetupVMWorkspace(c.Request.Context(), projectID)
	if err != nil {
		h.log.Error("Workspace setup failed", zap.String("project_id", projectID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *handlers) teardownWorkspace(c *gin.Context) {
	projectID := c.Param("id")

	ok, err := h.svc.TeardownProject(c.Request.Context(), projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"destroyed": ok})
}

func (h *handlers) projectStatus(c *gin.Context) {
	status, err := h.svc.GetProjectStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusCode(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

type executeRequest struct {
	Command        string            `json:"command" binding:"required"`
	WorkingDir     string            `json:"working_dir"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Env            map[string]string `json:"env"`
}

func (h *handlers) execute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts := sandbox.ExecOptions{
		WorkingDir: req.WorkingDir,
		Env:        req.Env,
	}
	if req.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	result := h.svc.ExecuteAgentCommand(c.Request.Context(), c.Param("id"), req.Command, opts)
	c.JSON(http.StatusOK, result)
}

type installRequest struct {
	Package string `json:"package" binding:"required"`
	Manager string `json:"manager" binding:"required"`
}

func (h *handlers) installPackage(c *gin.Context) {
	var req installRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result := h.svc.InstallProjectPackage(c.Request.Context(), c.Param("id"), req.Package, req.Manager)
	c.JSON(http.StatusOK, result)
}

func (h *handlers) readFile(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}
	c.JSON(http.StatusOK, h.svc.ReadProjectFile(c.Request.Context(), c.Param("id"), path))
}

type fileRequest struct {
	Path    string `json:"path" binding:"required"`
	Content string `json:"content"`
}

func (h *handlers) writeFile(c *gin.Context) {
	var req fileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.svc.WriteProjectFile(c.Request.Context(), c.Param("id"), req.Path, req.Content))
}

func (h *handlers) createFile(c *gin.Context) {
	var req fileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.svc.CreateProjectFile(c.Request.Context(), c.Param("id"), req.Path, req.Content))
}

func (h *handlers) deleteFile(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}
	c.JSON(http.StatusOK, h.svc.DeleteProjectFile(c.Request.Context(), c.Param("id"), path))
}

type moveRequest struct {
	Source      string `json:"source" binding:"required"`
	Destination string `json:"destination" binding:"required"`
}

func (h *handlers) moveFile(c *gin.Context) {
	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.svc.MoveProjectFile(c.Request.Context(), c.Param("id"), req.Source, req.Destination))
}

type directoryRequest struct {
	Path string `json:"path" binding:"required"`
}

func (h *handlers) createDirectory(c *gin.Context) {
	var req directoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.svc.CreateProjectDirectory(c.Request.Context(), c.Param("id"), req.Path))
}

func (h *handlers) deleteDirectory(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}
	c.JSON(http.StatusOK, h.svc.DeleteProjectDirectory(c.Request.Context(), c.Param("id"), path))
}

func (h *handlers) fileTree(c *gin.Context) {
	tree, err := h.svc.FileTree(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusCode(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, tree)
}

func (h *handlers) listDirectory(c *gin.Context) {
	path := c.DefaultQuery("path", "/")
	nodes, err := h.svc.ListProjectDirectory(c.Request.Context(), c.Param("id"), path)
	if err != nil {
		c.JSON(statusCode(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, nodes)
}

type serviceRequest struct {
	Name    string `json:"name" binding:"required"`
	Command string `json:"command" binding:"required"`
	Port    int    `json:"port"`
}

func (h *handlers) startService(c *gin.Context) {
	var req serviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	svc, err := h.svc.StartProjectService(c.Request.Context(), c.Param("id"), sandbox.ServiceSpec{
		Name:    req.Name,
		Command: req.Command,
		Port:    req.Port,
	})
	if err != nil {
		c.JSON(statusCode(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, svc)
}

func (h *handlers) stopService(c *gin.Context) {
	if err := h.svc.StopProjectService(c.Request.Context(), c.Param("id"), c.Param("name")); err != nil {
		c.JSON(statusCode(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

func (h *handlers) exposePort(c *gin.Context) {
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil || port <= 0 || port > 65535 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid port"})
		return
	}

	taskID := h.ports.QueuePortExposure(c.Param("id"), port)
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID})
}

func (h *handlers) portTask(c *gin.Context) {
	task, ok := h.ports.GetTaskStatus(c.Param("taskID"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, task)
}

// statusCode maps façade errors to HTTP codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, vmservice.ErrVMNotActive):
		return http.StatusConflict
	case errors.Is(err, vmservice.ErrProjectNotFound), errors.Is(err, sandbox.ErrSandboxNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
