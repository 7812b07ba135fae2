/***************************************************************
 *
 * Copyright (C) 2025, PresQT Project
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package agent

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/presqt/presqt/config"
	"github.com/presqt/presqt/engine"
	"github.com/presqt/presqt/error_codes"
	"github.com/presqt/presqt/target"
	"github.com/presqt/presqt/ticket"
	"github.com/presqt/presqt/version"
)

// Request headers the service consumes.
const (
	headerSourceToken      = "presqt-source-token"
	headerDestinationToken = "presqt-destination-token"
	headerDuplicateAction  = "presqt-file-duplicate-action"
	headerEmailOptIn       = "presqt-email-opt-in"
)

// uploadFormField is the multipart field carrying the bundle archive.
const uploadFormField = "presqt-file"

type api struct {
	engine *engine.Engine
}

// RegisterAPI mounts every endpoint of the transfer service on the given
// router group.
func RegisterAPI(router *gin.RouterGroup, eng *engine.Engine) {
	a := &api{engine: eng}

	router.GET("/health", a.health)
	router.GET("/targets", a.listTargets)
	router.GET("/targets/:target/resources", a.listResources)
	router.GET("/targets/:target/resources/:id", a.resourceDetail)
	router.GET("/targets/:target/resources/:id/keywords", a.keywords)
	router.POST("/targets/:target/resources/:id/keywords", a.enhanceKeywords)

	router.POST("/targets/:target/resources/:id/download", a.startDownload)
	router.POST("/targets/:target/resources/upload", a.startUpload)
	router.POST("/targets/:target/resources/:id/upload", a.startUpload)

	router.GET("/jobs/download", a.downloadStatus)
	router.GET("/jobs/download/archive", a.downloadArchive)
	router.PATCH("/jobs/download", a.cancelJob(ticket.ActionDownload))
	router.GET("/jobs/upload", a.uploadStatus)
	router.PATCH("/jobs/upload", a.cancelJob(ticket.ActionUpload))

	router.GET("/jobs/history", a.jobHistory)
	router.DELETE("/jobs/history", a.pruneHistory)
}

// writeError maps a failure onto its HTTP status and the service's error
// body shape.
func writeError(ctx *gin.Context, err error) {
	ctx.JSON(error_codes.StatusCode(err), gin.H{"error": err.Error()})
}

func requireHeader(ctx *gin.Context, name string) (string, bool) {
	value := ctx.GetHeader(name)
	if value == "" {
		writeError(ctx, error_codes.NewValidation(
			"PresQT Error: %q missing in the request headers.", name))
		return "", false
	}
	return value, true
}

func (a *api) health(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.GetVersion(),
	})
}

func (a *api) listTargets(ctx *gin.Context) {
	type targetInfo struct {
		Name             string             `json:"name"`
		SupportedActions []target.Action    `json:"supported_actions"`
		SuffixStyle      target.SuffixStyle `json:"title_suffix_style"`
		SearchParameters []string           `json:"search_parameters"`
	}
	out := []targetInfo{}
	for _, name := range target.Names() {
		caps, err := target.GetCapabilities(name)
		if err != nil {
			continue
		}
		out = append(out, targetInfo{
			Name:             name,
			SupportedActions: caps.SupportedActions,
			SuffixStyle:      caps.TitleSuffixStyle,
			SearchParameters: caps.SearchParameters,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"targets": out})
}

func (a *api) listResources(ctx *gin.Context) {
	token, ok := requireHeader(ctx, headerSourceToken)
	if !ok {
		return
	}
	resources, err := a.engine.ListResources(ctx.Request.Context(), ctx.Param("target"), token)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"resources": resources})
}

func (a *api) resourceDetail(ctx *gin.Context) {
	token, ok := requireHeader(ctx, headerSourceToken)
	if !ok {
		return
	}
	resource, err := a.engine.Resource(ctx.Request.Context(), ctx.Param("target"), token, ctx.Param("id"))
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, resource)
}

func (a *api) keywords(ctx *gin.Context) {
	token, ok := requireHeader(ctx, headerSourceToken)
	if !ok {
		return
	}
	keywords, err := a.engine.Keywords(ctx.Request.Context(), ctx.Param("target"), token, ctx.Param("id"))
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"keywords": keywords})
}

func (a *api) enhanceKeywords(ctx *gin.Context) {
	token, ok := requireHeader(ctx, headerSourceToken)
	if !ok {
		return
	}
	var body struct {
		Keywords []string `json:"keywords"`
	}
	if err := ctx.ShouldBindJSON(&body); err != nil {
		writeError(ctx, error_codes.NewValidation("PresQT Error: request body must be JSON with a 'keywords' array."))
		return
	}
	result, err := a.engine.EnhanceKeywords(ctx.Request.Context(), ctx.Param("target"), token, ctx.Param("id"), body.Keywords)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusAccepted, result)
}

func (a *api) startDownload(ctx *gin.Context) {
	token, ok := requireHeader(ctx, headerSourceToken)
	if !ok {
		return
	}
	ticketID, err := a.engine.StartDownload(engine.DownloadRequest{
		SourceTarget:      ctx.Param("target"),
		SourceToken:       token,
		ResourceID:        ctx.Param("id"),
		NotificationEmail: ctx.GetHeader(headerEmailOptIn),
	})
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusAccepted, gin.H{
		"ticket_number": ticketID,
		"message":       "The server is processing the request.",
	})
}

func (a *api) startUpload(ctx *gin.Context) {
	token, ok := requireHeader(ctx, headerDestinationToken)
	if !ok {
		return
	}

	formFile, err := ctx.FormFile(uploadFormField)
	if err != nil {
		writeError(ctx, error_codes.NewValidation(
			"PresQT Error: %q missing in the request body.", uploadFormField))
		return
	}

	// The archive is staged inside the caller's ticket directory so a
	// crashed job leaves nothing behind outside its own ticket.
	dataDir, err := config.TransferDataDir()
	if err != nil {
		writeError(ctx, err)
		return
	}
	ticketDir, err := ticket.Dir(dataDir, token)
	if err != nil {
		writeError(ctx, err)
		return
	}
	archivePath := filepath.Join(ticketDir, "upload_bundle.zip")
	if err := ctx.SaveUploadedFile(formFile, archivePath); err != nil {
		writeError(ctx, err)
		return
	}

	ticketID, err := a.engine.StartUpload(engine.UploadRequest{
		DestinationTarget: ctx.Param("target"),
		DestinationToken:  token,
		ParentID:          ctx.Param("id"),
		ArchivePath:       archivePath,
		DuplicatePolicy:   target.DuplicatePolicy(ctx.GetHeader(headerDuplicateAction)),
		NotificationEmail: ctx.GetHeader(headerEmailOptIn),
	})
	if err != nil {
		os.Remove(archivePath)
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusAccepted, gin.H{
		"ticket_number": ticketID,
		"message":       "The server is processing the request.",
	})
}

// jobStatusBody renders a process info record in the polling response
// shape.  In-progress jobs report a completion percentage capped at 99;
// only a terminal record may claim 100.
func jobStatusBody(info *ticket.ProcessInfo) gin.H {
	body := gin.H{
		"status":         string(info.Status),
		"message":        info.Message,
		"status_code":    info.StatusCode,
		"total_files":    info.TotalFiles,
		"files_finished": info.FilesFinished,
	}
	if info.Terminal() {
		body["job_percentage"] = 100
		body["failed_fixity"] = info.FailedFixity
		if info.ResourcesIgnored != nil {
			body["resources_ignored"] = info.ResourcesIgnored
		}
		if info.ResourcesUpdated != nil {
			body["resources_updated"] = info.ResourcesUpdated
		}
		return body
	}
	percentage := 0
	if info.TotalFiles > 0 {
		percentage = info.FilesFinished * 100 / info.TotalFiles
		if percentage > 99 {
			percentage = 99
		}
	}
	body["job_percentage"] = percentage
	return body
}

func (a *api) jobStatus(ctx *gin.Context, action ticket.Action, tokenHeader string) {
	token, ok := requireHeader(ctx, tokenHeader)
	if !ok {
		return
	}
	info, err := a.engine.Status(token, action)
	if err != nil {
		writeError(ctx, err)
		return
	}
	httpStatus := http.StatusAccepted
	if info.Terminal() {
		httpStatus = info.StatusCode
	}
	ctx.JSON(httpStatus, jobStatusBody(info))
}

func (a *api) downloadStatus(ctx *gin.Context) {
	a.jobStatus(ctx, ticket.ActionDownload, headerSourceToken)
}

func (a *api) uploadStatus(ctx *gin.Context) {
	a.jobStatus(ctx, ticket.ActionUpload, headerDestinationToken)
}

// downloadArchive streams the packed bundle of a finished download.
func (a *api) downloadArchive(ctx *gin.Context) {
	token, ok := requireHeader(ctx, headerSourceToken)
	if !ok {
		return
	}
	info, err := a.engine.Status(token, ticket.ActionDownload)
	if err != nil {
		writeError(ctx, err)
		return
	}
	if info.Status != ticket.StatusFinished {
		writeError(ctx, error_codes.NewValidation("The download job has not finished successfully."))
		return
	}

	dataDir, err := config.TransferDataDir()
	if err != nil {
		writeError(ctx, err)
		return
	}
	ticketDir, err := ticket.Dir(dataDir, token)
	if err != nil {
		writeError(ctx, err)
		return
	}
	matches, err := filepath.Glob(filepath.Join(ticketDir, "*_download_*.zip"))
	if err != nil || len(matches) == 0 {
		writeError(ctx, error_codes.NewNotFound("The download archive is no longer available."))
		return
	}
	ctx.FileAttachment(matches[0], filepath.Base(matches[0]))
}

func (a *api) cancelJob(action ticket.Action) gin.HandlerFunc {
	tokenHeader := headerSourceToken
	if action == ticket.ActionUpload {
		tokenHeader = headerDestinationToken
	}
	return func(ctx *gin.Context) {
		token, ok := requireHeader(ctx, tokenHeader)
		if !ok {
			return
		}
		outcome, info, err := a.engine.Cancel(ctx.Request.Context(), token, action)
		if err != nil {
			writeError(ctx, err)
			return
		}
		// A cancellation that lost to the job's own completion returns
		// the true terminal record with 406 so the caller knows the job
		// already ran to its end.
		if outcome == ticket.CancelRejectedTerminal {
			ctx.JSON(http.StatusNotAcceptable, jobStatusBody(info))
			return
		}
		ctx.JSON(http.StatusOK, jobStatusBody(info))
	}
}

func (a *api) jobHistory(ctx *gin.Context) {
	limit, err := strconv.Atoi(ctx.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	offset, err := strconv.Atoi(ctx.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	jobs, total, err := a.engine.History(ctx.Query("status"), limit, offset)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"jobs": jobs, "total": total})
}

func (a *api) pruneHistory(ctx *gin.Context) {
	days, err := strconv.Atoi(ctx.DefaultQuery("older_than_days", "30"))
	if err != nil || days < 0 {
		writeError(ctx, error_codes.NewValidation("PresQT Error: 'older_than_days' must be a non-negative integer."))
		return
	}
	pruned, err := a.engine.PruneHistory(time.Now().AddDate(0, 0, -days))
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"pruned": pruned})
}
