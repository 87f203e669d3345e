// Copyright The AlertFlow Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api exposes the engine's small HTTP surface: group statistics,
// health, metrics and the dry-run query endpoint. CRUD over rules, channels
// and silences belongs to the collaborators, not here.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alertflow-io/alertflow/datasource"
	"github.com/alertflow-io/alertflow/group"
	"github.com/alertflow-io/alertflow/store"
	"github.com/alertflow-io/alertflow/types"
)

// Querier runs one-off expressions for the dry-run endpoint.
type Querier interface {
	Query(ctx context.Context, ds *types.DataSource, expr string) ([]datasource.Sample, error)
}

// API is the HTTP handler set.
type API struct {
	grouper     *group.Grouper
	datasources store.DataSourceRepo
	querier     Querier
	registry    *prometheus.Registry
	logger      *slog.Logger
}

// New wires the API.
func New(grouper *group.Grouper, datasources store.DataSourceRepo, q Querier, reg *prometheus.Registry, l *slog.Logger) *API {
	return &API{
		grouper:     grouper,
		datasources: datasources,
		querier:     q,
		registry:    reg,
		logger:      l.With("component", "api"),
	}
}

// Handler returns the routed handler.
func (a *API) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/-/healthy", a.healthy).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/groups/stats", a.groupStats).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/query/test", a.queryTest).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	return r
}

func (a *API) healthy(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (a *API) groupStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.grouper.StatsSnapshot(r.Context())
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.writeJSON(w, http.StatusOK, st)
}

type queryTestRequest struct {
	DataSourceID int64  `json:"datasource_id"`
	Expr         string `json:"expr"`
}

type queryTestSample struct {
	Labels map[string]string `json:"labels"`
	Value  float64           `json:"value"`
}

type queryTestResponse struct {
	Samples []queryTestSample `json:"samples"`
}

// queryTest executes a one-off data-source query so operators can validate
// an expression before saving a rule.
func (a *API) queryTest(w http.ResponseWriter, r *http.Request) {
	var req queryTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Expr == "" {
		a.writeError(w, http.StatusBadRequest, fmt.Errorf("expr is required"))
		return
	}
	ds, err := a.datasources.GetEnabled(r.Context(), req.DataSourceID)
	if err != nil {
		a.writeError(w, http.StatusNotFound, fmt.Errorf("datasource %d: %w", req.DataSourceID, err))
		return
	}
	samples, err := a.querier.Query(r.Context(), ds, req.Expr)
	if err != nil {
		a.writeError(w, http.StatusBadGateway, err)
		return
	}
	resp := queryTestResponse{Samples: make([]queryTestSample, 0, len(samples))}
	for _, s := range samples {
		resp.Samples = append(resp.Samples, queryTestSample{Labels: s.Labels, Value: s.Value})
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *API) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("encoding response failed", "err", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, code int, err error) {
	a.logger.Warn("request failed", "code", code, "err", err)
	a.writeJSON(w, code, map[string]string{"error": err.Error()})
}
