package api

import (
	"net"
	"net/http"
	"net/http/pprof"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tidb-incubator/sqlbridge/pkg/config"
	"github.com/tidb-incubator/sqlbridge/pkg/sqlclient"
	"github.com/tidb-incubator/sqlbridge/pkg/util/logging"
	"go.uber.org/zap"
)

// HTTPAPIServer exposes metrics, pprof, and a read-only view of the
// connection's executions for debugging.
type HTTPAPIServer struct {
	cfg      *config.Config
	conn     *sqlclient.Connection
	listener net.Listener
	closeCh  chan struct{}

	engine *gin.Engine
}

type CommonJSONResp struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func CreateHTTPAPIServer(conn *sqlclient.Connection, cfg *config.Config) (*HTTPAPIServer, error) {
	apiServer := &HTTPAPIServer{
		cfg:     cfg,
		conn:    conn,
		closeCh: make(chan struct{}),
	}

	listener, err := net.Listen("tcp", cfg.AdminServer.Addr)
	if err != nil {
		return nil, err
	}
	apiServer.listener = listener

	engine := gin.New()
	engine.Use(gin.Recovery())

	adminRouteGroup := engine.Group("/admin")
	apiServer.wrapBasicAuthGinMiddleware(adminRouteGroup)
	adminRouteGroup.GET("/status", apiServer.HandleStatus)
	adminRouteGroup.GET("/executions", apiServer.HandleExecutions)

	metricsRouteGroup := engine.Group("/metrics")
	metricsRouteGroup.GET("/", gin.WrapF(promhttp.Handler().ServeHTTP))

	pprofRouteGroup := engine.Group("/debug/pprof")
	pprofRouteGroup.Any("/", gin.WrapF(pprof.Index))
	pprofRouteGroup.Any("/cmdline", gin.WrapF(pprof.Cmdline))
	pprofRouteGroup.Any("/profile", gin.WrapF(pprof.Profile))
	pprofRouteGroup.Any("/symbol", gin.WrapF(pprof.Symbol))
	pprofRouteGroup.Any("/trace", gin.WrapF(pprof.Trace))
	pprofRouteGroup.Any("/goroutine", gin.WrapF(pprof.Handler("goroutine").ServeHTTP))
	pprofRouteGroup.Any("/heap", gin.WrapF(pprof.Handler("heap").ServeHTTP))
	pprofRouteGroup.Any("/allocs", gin.WrapF(pprof.Handler("allocs").ServeHTTP))

	apiServer.engine = engine
	return apiServer, nil
}

func (h *HTTPAPIServer) wrapBasicAuthGinMiddleware(group *gin.RouterGroup) {
	basicAuthUser := h.cfg.AdminServer.User
	basicAuthPassword := h.cfg.AdminServer.Password
	if h.cfg.AdminServer.EnableBasicAuth && basicAuthUser != "" && basicAuthPassword != "" {
		group.Use(gin.BasicAuth(gin.Accounts{basicAuthUser: basicAuthPassword}))
	}
}

func (h *HTTPAPIServer) HandleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"conn":    h.conn.Name(),
		"open":    h.conn.IsOpen(),
		"async":   h.conn.IsAsync(),
		"program": h.conn.CurrentProgram(),
	})
}

func (h *HTTPAPIServer) HandleExecutions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"executions": h.conn.ExecutionRecords()})
}

func (h *HTTPAPIServer) Run() {
	defer func() {
		if err := h.listener.Close(); err != nil {
			logging.L().Warn("close http api server listener error", zap.Error(err))
		}
	}()

	errCh := make(chan error)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/", h.engine)
		errCh <- http.Serve(h.listener, mux)
	}()

	select {
	case <-h.closeCh:
		logging.L().Info("closing http api server")
	case err := <-errCh:
		logging.L().Error("http api server exit on error", zap.Error(err))
	}
}

func (h *HTTPAPIServer) Close() {
	close(h.closeCh)
}

func CreateJSONResp(code int, msg string) CommonJSONResp {
	return CommonJSONResp{
		Code: code,
		Msg:  msg,
	}
}
