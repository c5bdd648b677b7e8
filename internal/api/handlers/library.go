package handlers

import (
	"io"

	"flowtomanual/agent/pkg/response"

	"github.com/gin-gonic/gin"
)

type UpdateRoleRequest struct {
	Role string `json:"role" binding:"required"`
}

func (h *Handler) ListRecordings(c *gin.Context) {
	items, err := h.LibraryFor(c.Query("origin")).ListRecordings(c.Request.Context())
	if err != nil {
		h.backendError(c, "list recordings", err)
		return
	}
	response.Success(c, items)
}

func (h *Handler) ListManuals(c *gin.Context) {
	items, err := h.LibraryFor(c.Query("origin")).ListManuals(c.Request.Context())
	if err != nil {
		h.backendError(c, "list manuals", err)
		return
	}
	response.Success(c, items)
}

func (h *Handler) ListSOPs(c *gin.Context) {
	names, err := h.LibraryFor(c.Query("origin")).ListSOPs(c.Request.Context())
	if err != nil {
		h.backendError(c, "list sops", err)
		return
	}
	response.Success(c, gin.H{"sops": names})
}

// UploadSOP forwards a multipart "file" with its title and description.
func (h *Handler) UploadSOP(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		response.BadRequest(c, "file is required")
		return
	}
	f, err := fh.Open()
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	lib := h.LibraryFor(c.Query("origin"))
	if err := lib.UploadSOP(c.Request.Context(), fh.Filename, data, c.PostForm("title"), c.PostForm("description")); err != nil {
		h.backendError(c, "upload sop", err)
		return
	}
	response.SuccessWithMessage(c, "sop uploaded", gin.H{"name": fh.Filename})
}

func (h *Handler) DownloadSOP(c *gin.Context) {
	doc, err := h.LibraryFor(c.Query("origin")).DownloadSOP(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.backendError(c, "download sop", err)
		return
	}
	sendDocument(c, doc)
}

func (h *Handler) GetProfile(c *gin.Context) {
	p, err := h.LibraryFor(c.Query("origin")).Me(c.Request.Context())
	if err != nil {
		h.backendError(c, "get profile", err)
		return
	}
	response.Success(c, p)
}

func (h *Handler) UpdateRole(c *gin.Context) {
	var req UpdateRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.LibraryFor(c.Query("origin")).UpdateRole(c.Request.Context(), req.Role); err != nil {
		h.backendError(c, "update role", err)
		return
	}
	response.SuccessWithMessage(c, "role updated", gin.H{"role": req.Role})
}
