/*
 Copyright 2023 BucketFS Authors.

 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package admin

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/basenana/bucketfs/config"
	"github.com/basenana/bucketfs/utils/logger"
)

const (
	defaultHttpTimeout = time.Minute
)

// StatsSource is what the stats endpoint reports on.
type StatsSource interface {
	Stats() map[string]int
}

type Server struct {
	engine *gin.Engine
	cfg    config.Admin
	stats  StatsSource
	logger *zap.SugaredLogger
}

func (s *Server) Run(stopCh chan struct{}) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Infof("admin server on %s", addr)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  defaultHttpTimeout,
		WriteTimeout: defaultHttpTimeout,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil {
			if err != http.ErrServerClosed {
				s.logger.Errorw("admin server down", "err", err.Error())
				return
			}
			s.logger.Infof("admin server stopped")
		}
	}()

	<-stopCh
	shutdownCtx, canF := context.WithTimeout(context.TODO(), time.Second)
	defer canF()
	_ = httpServer.Shutdown(shutdownCtx)
}

func (s *Server) Ping(gCtx *gin.Context) {
	gCtx.JSON(http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) Stats(gCtx *gin.Context) {
	gCtx.JSON(http.StatusOK, map[string]interface{}{
		"version": config.VersionInfo().Version(),
		"stats":   s.stats.Stats(),
	})
}

func NewAdminServer(stats StatsSource, cfg config.Admin) (*Server, error) {
	if cfg.Port == 0 {
		return nil, fmt.Errorf("admin port not set")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine: gin.New(),
		cfg:    cfg,
		stats:  stats,
		logger: logger.NewLogger("admin"),
	}
	s.engine.Use(gin.Recovery())

	s.engine.GET("/_ping", s.Ping)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.GET("/api/v1/stats", s.Stats)

	if cfg.Pprof {
		pprof.Register(s.engine)
	}

	return s, nil
}
