package controller

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"github.com/Mazene-ZERGUINE/CodeBox/internal/api/service"
	"github.com/Mazene-ZERGUINE/CodeBox/pkg/utils/logger"
	"github.com/Mazene-ZERGUINE/CodeBox/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// TaskController handles task submission and lifecycle endpoints.
type TaskController struct {
	taskService *service.TaskService
}

// NewTaskController creates a new TaskController.
func NewTaskController(taskService *service.TaskService) *TaskController {
	return &TaskController{taskService: taskService}
}

// Create handles file-less JSON submissions.
func (h *TaskController) Create(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	receipt, err := h.taskService.Submit(c.Request.Context(), service.SubmitInput{
		Language:   req.Language,
		SourceCode: req.SourceCode,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Accepted(c, CreateTaskResponse{
		TaskID:      receipt.TaskID,
		Status:      "accepted",
		SubmittedAt: receipt.SubmittedAt,
	})
}

// CreateWithFiles handles multipart submissions carrying input files. The
// declared input_files values fix the order IN_{N} placeholders index into;
// the uploaded parts are matched to them by basename.
func (h *TaskController) CreateWithFiles(c *gin.Context) {
	language := c.PostForm("language")
	source := c.PostForm("source_code")
	if language == "" || source == "" {
		response.BadRequest(c, "language and source_code are required")
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		response.BadRequest(c, "Invalid multipart form")
		return
	}
	declared := form.Value["input_files"]
	if len(declared) == 0 {
		declared = form.Value["input_files[]"]
	}

	files := form.File["files"]
	uploads := make([]service.Upload, 0, len(files))
	for _, fh := range files {
		uploads = append(uploads, service.Upload{
			Filename:  filepath.Base(fh.Filename),
			SizeBytes: fh.Size,
			Open:      func() (io.ReadCloser, error) { return fh.Open() },
		})
	}

	receipt, err := h.taskService.Submit(c.Request.Context(), service.SubmitInput{
		Language:   language,
		SourceCode: source,
		InputFiles: declared,
		Uploads:    uploads,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Accepted(c, CreateTaskResponse{
		TaskID:      receipt.TaskID,
		Status:      "accepted",
		SubmittedAt: receipt.SubmittedAt,
	})
}

// GetStatus returns the lifecycle record for one task.
func (h *TaskController) GetStatus(c *gin.Context) {
	taskID := c.Param("id")
	if taskID == "" {
		response.BadRequest(c, "Invalid task id")
		return
	}
	rec, err := h.taskService.Status(c.Request.Context(), taskID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, rec)
}

// Download streams a task's outputs: one produced file verbatim, several as
// a zip archive.
func (h *TaskController) Download(c *gin.Context) {
	taskID := c.Param("id")
	if taskID == "" {
		response.BadRequest(c, "Invalid task id")
		return
	}
	bundle, err := h.taskService.Download(c.Request.Context(), taskID)
	if err != nil {
		response.Error(c, err)
		return
	}

	if len(bundle.Files) == 1 {
		h.streamSingle(c, bundle.TaskID, bundle.Files[0])
		return
	}
	h.streamArchive(c, bundle)
}

func (h *TaskController) streamSingle(c *gin.Context, taskID, name string) {
	rc, size, err := h.taskService.OpenOutput(c.Request.Context(), taskID, name)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer rc.Close()

	c.DataFromReader(http.StatusOK, size, "application/octet-stream", rc, map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", name),
	})
}

func (h *TaskController) streamArchive(c *gin.Context, bundle service.DownloadBundle) {
	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", bundle.ArchiveName))
	c.Status(http.StatusOK)

	// Headers are gone once streaming starts; a mid-stream failure can only
	// be logged.
	if _, err := h.taskService.WriteArchive(c.Request.Context(), c.Writer, bundle.TaskID, bundle.Files); err != nil {
		logger.Error(c.Request.Context(), "stream output archive failed",
			zap.String("task_id", bundle.TaskID), zap.Error(err))
	}
}

// Revoke requests cancellation of a task.
func (h *TaskController) Revoke(c *gin.Context) {
	taskID := c.Param("id")
	if taskID == "" {
		response.BadRequest(c, "Invalid task id")
		return
	}
	state, _, err := h.taskService.Revoke(c.Request.Context(), taskID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, RevokeResponse{TaskID: taskID, State: string(state)})
}

// Ping reports liveness.
func (h *TaskController) Ping(c *gin.Context) {
	response.Success(c, PingResponse{Status: "Server is Alive"})
}

// CreateTaskRequest defines the JSON submission payload.
type CreateTaskRequest struct {
	Language   string `json:"language" binding:"required"`
	SourceCode string `json:"source_code" binding:"required"`
}

// CreateTaskResponse defines the submission acceptance payload.
type CreateTaskResponse struct {
	TaskID      string `json:"task_id"`
	Status      string `json:"status"`
	SubmittedAt int64  `json:"submitted_at"`
}

// RevokeResponse defines the revocation acceptance payload.
type RevokeResponse struct {
	TaskID string `json:"task_id"`
	State  string `json:"state"`
}

// PingResponse defines the liveness payload.
type PingResponse struct {
	Status string `json:"status"`
}
