package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jkaberg/skyeupload/ingest"
	"github.com/jkaberg/skyeupload/library"
	"github.com/jkaberg/skyeupload/stream"
	"github.com/jkaberg/skyeupload/torrent"
)

// writeError maps err onto a status code. Unexpected errors are attached
// to the context for the request logger and answered generically.
func writeError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, library.ErrInvalid),
		errors.Is(err, torrent.ErrInvalidMagnet),
		errors.Is(err, torrent.ErrInvalidTorrent):
		ctx.JSON(http.StatusBadRequest, Error{Error: err.Error()})
	case errors.Is(err, library.ErrNotFound), errors.Is(err, stream.ErrUnavailable):
		_ = ctx.Error(err)
		ctx.JSON(http.StatusNotFound, Error{Error: "not found"})
	case errors.Is(err, library.ErrDuplicate):
		ctx.JSON(http.StatusConflict, Error{Error: err.Error()})
	default:
		_ = ctx.Error(err)
		ctx.JSON(http.StatusInternalServerError, Error{Error: "internal server error"})
	}
}

func paramID(ctx *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	return id, err == nil
}

func apiHealthHandler(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

var apiMediaHandler = func(lib *library.Library) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, lib.Catalog())
	}
}

var apiSearchHandler = func(lib *library.Library) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, lib.Search(ctx.Query("q")))
	}
}

var apiStreamHandler = func(lib *library.Library, s *stream.Streamer) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		id, ok := paramID(ctx)
		if !ok {
			ctx.JSON(http.StatusNotFound, Error{Error: "not found"})
			return
		}
		e, err := lib.Get(id)
		if err != nil {
			writeError(ctx, err)
			return
		}
		if err := s.Serve(ctx.Writer, ctx.Request, e); err != nil {
			writeError(ctx, err)
		}
	}
}

var apiUploadHandler = func(svc *ingest.Service) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		var f UploadForm
		if err := ctx.ShouldBind(&f); err != nil {
			ctx.JSON(http.StatusBadRequest, Error{Error: err.Error()})
			return
		}

		mt, err := library.ParseMediaType(f.Type)
		if err != nil {
			writeError(ctx, err)
			return
		}

		switch strings.ToLower(strings.TrimSpace(f.SourceType)) {
		case "file", "":
			fh, err := ctx.FormFile("mediafile")
			if err != nil {
				ctx.JSON(http.StatusBadRequest, Error{Error: "mediafile is required"})
				return
			}
			body, err := fh.Open()
			if err != nil {
				writeError(ctx, err)
				return
			}
			defer body.Close()

			e, err := svc.UploadFile(ctx.Request.Context(), ingest.UploadFile{
				Title:       f.Title,
				Type:        mt,
				Filename:    fh.Filename,
				Size:        fh.Size,
				ContentType: fh.Header.Get("Content-Type"),
				Body:        body,
			})
			if err != nil {
				writeError(ctx, err)
				return
			}
			ctx.JSON(http.StatusCreated, e)

		case "magnet":
			hash, err := svc.AddMagnet(f.URL, f.Title, mt)
			if err != nil {
				writeError(ctx, err)
				return
			}
			ctx.JSON(http.StatusAccepted, Accepted{Message: "magnet accepted, fetching metadata", Accepted: 1, InfoHash: hash})

		case "batch-link", "batch":
			n, err := svc.SubmitBatch(f.BatchLinks, mt)
			if err != nil {
				writeError(ctx, err)
				return
			}
			ctx.JSON(http.StatusAccepted, Accepted{Message: "links accepted, downloading in background", Accepted: n})

		default:
			ctx.JSON(http.StatusBadRequest, Error{Error: "unknown source_type " + strconv.Quote(f.SourceType)})
		}
	}
}

var apiStatusHandler = func(d *Deps) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		movies, shows := d.Library.Counts()
		up := time.Since(d.Started)

		st := Status{
			Status:          "ok",
			Version:         d.Version,
			Uptime:          up.Truncate(time.Second).String(),
			UptimeSeconds:   int64(up.Seconds()),
			RequestsPending: d.Library.PendingRequests(),
			Hosted:          Hosted{Movies: movies, TVShows: shows},
			Torrents:        []torrent.TorrentStatus{},
			StorageUsage:    d.Library.Usage(),
		}
		if d.Torrents != nil {
			st.Torrents = d.Torrents.Status()
		}
		if d.Cache != nil {
			i := d.Cache.Info()
			st.Cache = CacheInfo{
				Items:      i.NumItems,
				FilledMB:   i.Filled / 1024 / 1024,
				CapacityMB: i.Capacity / 1024 / 1024,
			}
		}

		ctx.JSON(http.StatusOK, st)
	}
}

var apiRequestsHandler = func(lib *library.Library) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, lib.Requests())
	}
}

var apiCreateRequestHandler = func(lib *library.Library) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		var req RequestCreate
		if err := ctx.ShouldBind(&req); err != nil {
			ctx.JSON(http.StatusBadRequest, Error{Error: err.Error()})
			return
		}
		r, err := lib.AddRequest(req.Title, req.Details)
		if err != nil {
			writeError(ctx, err)
			return
		}
		ctx.JSON(http.StatusCreated, r)
	}
}

var apiToggleRequestHandler = func(lib *library.Library) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		id, ok := paramID(ctx)
		if !ok {
			ctx.JSON(http.StatusBadRequest, Error{Error: "invalid request id"})
			return
		}
		r, err := lib.ToggleRequest(id)
		if err != nil {
			writeError(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, r)
	}
}

var apiDeleteRequestHandler = func(lib *library.Library) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		id, ok := paramID(ctx)
		if !ok {
			ctx.JSON(http.StatusBadRequest, Error{Error: "invalid request id"})
			return
		}
		if err := lib.DeleteRequest(id); err != nil {
			writeError(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, Message{Message: "request deleted"})
	}
}

var apiDeleteMediaHandler = func(svc *ingest.Service) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		mt, err := library.ParseMediaType(ctx.Param("type"))
		if err != nil {
			writeError(ctx, err)
			return
		}
		id, ok := paramID(ctx)
		if !ok {
			ctx.JSON(http.StatusBadRequest, Error{Error: "invalid media id"})
			return
		}
		e, err := svc.DeleteMedia(ctx.Request.Context(), mt, id)
		if err != nil {
			writeError(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"message": "media deleted", "id": e.ID, "title": e.Title})
	}
}
