// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api implements the public HTTP surface of the experiment
// service: the three JSON decision routes backed by the engine, plus
// health and Prometheus endpoints. Handlers decode, delegate and map
// errors; all decision logic lives in core.
package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"abtest"
	"abtest/internal/experiment/core"
	"abtest/internal/experiment/telemetry"
)

// Server handles the HTTP requests of the experiment service.
type Server struct {
	engine *core.Engine
	log    logrus.FieldLogger
}

// NewServer creates an API server around a configured engine.
func NewServer(engine *core.Engine, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{engine: engine, log: log}
}

// Router builds the route table. Decision routes accept POST and PUT;
// any other method answers 400, which is the contract the service has
// always had with its SDK clients.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(telemetry.Middleware)
	r.HandleFunc("/invocation", s.handleInvocation).Methods(http.MethodPost, http.MethodPut)
	r.HandleFunc("/conversion", s.handleConversion).Methods(http.MethodPost, http.MethodPut)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodPost, http.MethodPut)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "method not supported"})
	})
	return r
}

// HTTPServer wraps the router in an http.Server with the service's
// standard timeouts. Callers own Shutdown.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

func (s *Server) handleInvocation(w http.ResponseWriter, r *http.Request) {
	var req core.InvocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed JSON body"})
		return
	}
	req.SourceIP = clientIP(r)
	req.UserAgent = r.UserAgent()

	decision, err := s.engine.Invoke(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, decision.StatusCode, decision)
}

func (s *Server) handleConversion(w http.ResponseWriter, r *http.Request) {
	var req core.ConversionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed JSON body"})
		return
	}
	req.SourceIP = clientIP(r)
	req.UserAgent = r.UserAgent()

	conversion, err := s.engine.Convert(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, conversion.StatusCode, conversion)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EndpointName string `json:"endpoint_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed JSON body"})
		return
	}
	report, err := s.engine.Stats(r.Context(), req.EndpointName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps engine errors onto the wire contract: client mistakes
// are 400, unknown endpoints on /stats are 404, backend trouble is 502,
// store trouble that survived the retry is 503.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrMissingEndpointName),
		errors.Is(err, core.ErrInvalidReward),
		errors.Is(err, abtest.ErrUnsupportedStrategy),
		errors.Is(err, abtest.ErrInvalidEpsilon),
		errors.Is(err, abtest.ErrEmptyVariantSet),
		errors.Is(err, abtest.ErrDegenerateWeights):
		status = http.StatusBadRequest
	case core.IsEndpointUnknown(err):
		status = http.StatusNotFound
	case core.IsBackendFailure(err):
		status = http.StatusBadGateway
	case core.IsTransient(err):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// clientIP prefers the first X-Forwarded-For hop so decisions behind a
// load balancer still see the caller, not the balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
