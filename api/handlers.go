package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"simpleye/bucket"
	"simpleye/clips"
	"simpleye/database"
)

// defaultWindow is used when a query gives no start.
const defaultWindow = time.Hour

var errBadRequest = errors.New("bad request")

// parseTime accepts RFC3339 or unix milliseconds.
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, errors.Join(errBadRequest, err)
	}
	return t.UTC(), nil
}

// queryRange reads start and end. A missing end means now, a missing start
// means one hour before end.
func (s *Server) queryRange(c *gin.Context) (time.Time, time.Time, error) {
	from, err := parseTime(c.Query("start"))
	if err != nil {
		return from, from, err
	}
	to, err := parseTime(c.Query("end"))
	if err != nil {
		return from, to, err
	}
	if to.IsZero() {
		to = s.deps.Now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-defaultWindow)
	}
	if to.Before(from) {
		return from, to, clips.ErrInvalidRange
	}
	return from, to, nil
}

// fail maps domain errors onto HTTP status codes.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, clips.ErrUnsupportedMode):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, clips.ErrInvalidRange),
		errors.Is(err, clips.ErrEmptyName),
		errors.Is(err, bucket.ErrInvalidCamera),
		errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, clips.ErrNoSegments), errors.Is(err, database.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, clips.ErrRemuxFailure):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) health(c *gin.Context) {
	resp := gin.H{
		"status":    "healthy",
		"timestamp": s.deps.Now().UTC().Format(time.RFC3339),
	}
	if s.deps.Recorder != nil {
		resp["sessions"] = len(s.deps.Recorder.Status())
	}
	if s.deps.Monitor != nil {
		resp["resources"] = s.deps.Monitor.Last()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listCameras(c *gin.Context) {
	cams, err := s.deps.Cameras.GetCameras()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cameras": cams})
}

func (s *Server) getTimeline(c *gin.Context) {
	from, to, err := s.queryRange(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	tl, err := s.deps.Indexer.Index(c.Request.Context(), c.Param("id"), from, to)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tl)
}

func (s *Server) getPlaylist(c *gin.Context) {
	from, err := parseTime(c.Query("start"))
	if err != nil {
		s.fail(c, err)
		return
	}
	// A missing end keeps the playlist live.
	to, err := parseTime(c.Query("end"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if from.IsZero() {
		end := to
		if end.IsZero() {
			end = s.deps.Now().UTC()
		}
		from = end.Add(-defaultWindow)
	}
	if !to.IsZero() && to.Before(from) {
		s.fail(c, clips.ErrInvalidRange)
		return
	}

	m, err := s.deps.Playlists.Synthesize(c.Request.Context(), c.Param("id"), from, to)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "application/vnd.apple.mpegurl", m.Bytes())
}

func (s *Server) recorderStatus(c *gin.Context) {
	if s.deps.Recorder == nil {
		c.JSON(http.StatusOK, gin.H{"sessions": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": s.deps.Recorder.Status()})
}

type createClipRequest struct {
	CameraID string `json:"cameraId" binding:"required"`
	Start    string `json:"start" binding:"required"`
	End      string `json:"end" binding:"required"`
	Name     string `json:"name"`
	Creator  string `json:"creator"`
}

func (s *Server) createClip(c *gin.Context) {
	var req createClipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, errors.Join(errBadRequest, err))
		return
	}
	start, err := parseTime(req.Start)
	if err != nil {
		s.fail(c, err)
		return
	}
	end, err := parseTime(req.End)
	if err != nil {
		s.fail(c, err)
		return
	}

	clip, err := s.deps.Clips.Create(c.Request.Context(), clips.CreateRequest{
		CameraID: req.CameraID,
		Start:    start,
		End:      end,
		Name:     req.Name,
		Creator:  req.Creator,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, s.clipView(clip))
}

func (s *Server) listClips(c *gin.Context) {
	list, err := s.deps.Clips.List(c.Request.Context(), c.Query("camera"))
	if err != nil {
		s.fail(c, err)
		return
	}
	views := make([]gin.H, 0, len(list))
	for i := range list {
		views = append(views, s.clipView(&list[i]))
	}
	c.JSON(http.StatusOK, gin.H{"clips": views})
}

func (s *Server) getClip(c *gin.Context) {
	clip, err := s.deps.Clips.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.clipView(clip))
}

func (s *Server) renameClip(c *gin.Context) {
	var body struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, errors.Join(errBadRequest, err))
		return
	}
	clip, err := s.deps.Clips.Rename(c.Request.Context(), c.Param("id"), body.Name)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.clipView(clip))
}

func (s *Server) deleteClip(c *gin.Context) {
	if err := s.deps.Clips.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// clipView adds the local download URL to a clip.
func (s *Server) clipView(clip *database.Clip) gin.H {
	return gin.H{
		"id":        clip.ID,
		"cameraId":  clip.CameraID,
		"name":      clip.Name,
		"creator":   clip.Creator,
		"start":     clip.Start,
		"end":       clip.End,
		"duration":  clip.Duration().Seconds(),
		"size":      clip.Size,
		"url":       "/clips/" + clip.CameraID + "/" + clip.ID + ".mp4",
		"remoteUrl": clip.RemoteURL,
		"createdAt": clip.CreatedAt,
	}
}
