package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/llava-go/llava/api"
	"github.com/llava-go/llava/envconfig"
	"github.com/llava-go/llava/logutil"
	"github.com/llava-go/llava/model"
	"github.com/llava-go/llava/model/models/llava"
	"github.com/llava-go/llava/runner/common"
	"github.com/llava-go/llava/runner/llavarunner"
	"github.com/llava-go/llava/version"
)

type Server struct {
	models *modelCache
	sem    *semaphore.Weighted
}

func newServer(load loader, parallel uint) *Server {
	return &Server{
		models: newModelCache(load),
		sem:    semaphore.NewWeighted(int64(max(parallel, 1))),
	}
}

// statusFor maps err to the HTTP status reported to the client.
func statusFor(err error) int {
	var configErr *llava.ConfigError
	var dataErr *llava.DataError
	switch {
	case errors.As(err, &configErr), errors.As(err, &dataErr), errors.Is(err, model.ErrNoVisionModel):
		return http.StatusBadRequest
	case errors.Is(err, errModelNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) GenerateHandler(c *gin.Context) {
	var req api.GenerateRequest
	if err := c.ShouldBindJSON(&req); errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing request body"})
		return
	} else if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Model == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "model is required"})
		return
	}

	opts := api.DefaultOptions()
	if err := opts.FromMap(req.Options); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if opts.NumPredict < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "num_predict must not be negative"})
		return
	}

	m, err := s.models.get(c.Request.Context(), req.Model)
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	if err := s.sem.Acquire(c.Request.Context(), 1); err != nil {
		slog.Info("request canceled while waiting", "model", req.Model, "error", err)
		return
	}

	id := uuid.NewString()
	slog.Debug("generate", "id", id, "model", req.Model, "images", len(req.Images))

	ch := make(chan any)
	go func() {
		defer close(ch)
		defer s.sem.Release(1)

		send := func(v any) {
			select {
			case ch <- v:
			case <-c.Request.Context().Done():
			}
		}

		// gin's recovery middleware does not reach this goroutine
		defer func() {
			if r := recover(); r != nil {
				slog.Error("generate panicked", "id", id, "model", req.Model, "panic", r)
				send(gin.H{"error": fmt.Sprintf("generate: %v", r), "status": http.StatusInternalServerError})
			}
		}()

		s.generate(c.Request.Context(), m, req, opts, send)
	}()

	if req.Stream != nil && !*req.Stream {
		var resp api.GenerateResponse
		var sb strings.Builder
		for v := range ch {
			switch v := v.(type) {
			case api.GenerateResponse:
				sb.WriteString(v.Response)
				resp = v
			case gin.H:
				msg, ok := v["error"].(string)
				if !ok {
					msg = "unexpected error format in response"
				}

				status, ok := v["status"].(int)
				if !ok {
					status = http.StatusInternalServerError
				}

				c.JSON(status, gin.H{"error": msg})
				return
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "unexpected response"})
				return
			}
		}

		resp.Response = sb.String()
		c.JSON(http.StatusOK, resp)
		return
	}

	streamResponse(c, ch)
}

// generate runs one request against m and reports every response through
// send. Errors are sent as gin.H values holding the error and status.
func (s *Server) generate(ctx context.Context, m model.Model, req api.GenerateRequest, opts api.Options, send func(any)) {
	start := time.Now()

	mlctx := m.Backend().NewContext()
	defer mlctx.Close()

	images := make([][]byte, len(req.Images))
	for i, img := range req.Images {
		images[i] = img
	}

	mode := llava.ResolveConversationMode(req.Model, req.ConvMode)
	fused, err := llavarunner.Prepare(mlctx, m, req.Prompt, mode, images)
	if err != nil {
		send(gin.H{"error": err.Error(), "status": statusFor(err)})
		return
	}

	runnerOpts := llavarunner.Options{
		MaxNewTokens: opts.NumPredict,
		Temperature:  opts.Temperature,
		TopK:         opts.TopK,
		TopP:         opts.TopP,
		MinP:         opts.MinP,
		Seed:         uint64(opts.Seed),
		NoCache:      envconfig.NoKVCache(),
	}

	if lm, ok := m.(*llava.Model); ok {
		runnerOpts.EOS = lm.EOS
	}

	session, err := llavarunner.NewSession(m, fused, runnerOpts)
	if err != nil {
		send(gin.H{"error": err.Error(), "status": statusFor(err)})
		return
	}

	tokens := model.NewTextStream(m.TextProcessor())
	stops := common.NewStopBuffer(opts.Stop)
	respond := func(pieces ...string) {
		for _, piece := range pieces {
			if piece != "" {
				send(api.GenerateResponse{Model: req.Model, CreatedAt: time.Now().UTC(), Response: piece})
			}
		}
	}

	var metrics api.Metrics
	metrics.PromptEvalCount = fused.Dim(1)

	var firstToken time.Time
	doneReason := ""
	for id, err := range session.Tokens(ctx) {
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			send(gin.H{"error": err.Error(), "status": statusFor(err)})
			return
		}

		if firstToken.IsZero() {
			firstToken = time.Now()
			metrics.PromptEvalDuration = firstToken.Sub(start)
		}

		// the end of sequence token itself is not part of the answer
		if session.Reason() == llavarunner.ReasonEOS {
			break
		}

		piece, err := tokens.Next(id)
		if err != nil {
			send(gin.H{"error": err.Error(), "status": http.StatusInternalServerError})
			return
		}

		ready, stopped := stops.Add(piece)
		respond(ready...)
		if stopped {
			doneReason = "stop"
			break
		}
	}

	if doneReason == "" {
		doneReason = session.Reason().String()
		if piece, err := tokens.Flush(); err == nil {
			ready, stopped := stops.Add(piece)
			respond(ready...)
			if !stopped {
				respond(stops.Flush()...)
			}
		}
	}

	metrics.EvalCount = session.Steps()
	if !firstToken.IsZero() {
		metrics.EvalDuration = time.Since(firstToken)
	}
	metrics.TotalDuration = time.Since(start)

	logutil.Trace("generate finished", "model", req.Model, "reason", doneReason, "tokens", metrics.EvalCount)
	send(api.GenerateResponse{
		Model:      req.Model,
		CreatedAt:  time.Now().UTC(),
		Done:       true,
		DoneReason: doneReason,
		Metrics:    metrics,
	})
}

func (s *Server) ShowHandler(c *gin.Context) {
	var req api.ShowRequest
	if err := c.ShouldBindJSON(&req); errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing request body"})
		return
	} else if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Model == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "model is required"})
		return
	}

	m, err := s.models.get(c.Request.Context(), req.Model)
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, show(req.Model, m))
}

func show(name string, m model.Model) api.ShowResponse {
	config := m.Backend().Config()

	resp := api.ShowResponse{
		Model:            name,
		ConversationMode: llava.DetectConversationMode(name),
		Details: api.ModelDetails{
			Architecture: config.Architecture(),
			Size:         m.Backend().Size(),
		},
		ModelInfo: make(map[string]any, config.Len()),
	}

	for k := range config.Keys() {
		resp.ModelInfo[k] = config.Value(k)
	}

	if lm, ok := m.(*llava.Model); ok {
		opts := lm.Options
		resp.Details.DType = opts.DType
		resp.Details.ContextLength = opts.MaxLength
		resp.Details.Projector = opts.ProjectorType()
		resp.Details.MergeType = opts.MergePolicy.String()
		resp.Details.AspectRatio = opts.AspectRatio.String()
		resp.Details.SelectLayer = opts.SelectLayer
		resp.Details.ImageSize = opts.ImageSize
		resp.Details.PatchSize = opts.PatchSize
		resp.Details.Pinpoints = len(opts.Pinpoints)
	}

	return resp
}

func (s *Server) GenerateRoutes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowBrowserExtensions = true
	corsConfig.AllowHeaders = []string{
		"Authorization",
		"Content-Type",
		"User-Agent",
		"Accept",
		"X-Requested-With",
	}
	corsConfig.AllowOrigins = envconfig.AllowedOrigins()

	r := gin.Default()
	r.HandleMethodNotAllowed = true
	r.Use(cors.New(corsConfig))

	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "llava is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "llava is running") })
	r.HEAD("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, api.VersionResponse{Version: version.Version}) })
	r.GET("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, api.VersionResponse{Version: version.Version}) })

	r.POST("/api/generate", s.GenerateHandler)
	r.POST("/api/show", s.ShowHandler)

	return r
}

func Serve(ln net.Listener) error {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
	slog.Info("server config", "env", envconfig.Values())

	if envconfig.LogLevel() > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := newServer(loadFromDisk, envconfig.NumParallel())
	defer s.models.close()

	slog.Info(fmt.Sprintf("Listening on %s (version %s)", ln.Addr(), version.Version))
	srvr := &http.Server{
		Handler: s.GenerateRoutes(),
	}

	// listen for a ctrl+c and stop serving
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		srvr.Close()
	}()

	if err := srvr.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func streamResponse(c *gin.Context, ch chan any) {
	c.Header("Content-Type", "application/x-ndjson")
	c.Stream(func(w io.Writer) bool {
		val, ok := <-ch
		if !ok {
			return false
		}

		if h, ok := val.(gin.H); ok {
			if e, ok := h["error"].(string); ok {
				status, ok := h["status"].(int)
				if !ok {
					status = http.StatusInternalServerError
				}

				if !c.Writer.Written() {
					c.Header("Content-Type", "application/json")
					c.JSON(status, gin.H{"error": e})
				} else {
					if err := json.NewEncoder(c.Writer).Encode(gin.H{"error": e}); err != nil {
						slog.Error("streamResponse failed to encode json error", "error", err)
					}
				}

				return false
			}
		}

		bts, err := json.Marshal(val)
		if err != nil {
			slog.Info(fmt.Sprintf("streamResponse: json.Marshal failed with %s", err))
			return false
		}

		bts = append(bts, '\n')
		if _, err := w.Write(bts); err != nil {
			slog.Info(fmt.Sprintf("streamResponse: w.Write failed with %s", err))
			return false
		}

		return true
	})
}
