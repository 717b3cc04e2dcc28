package cttestsrv

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// writeJSON marshals resp and writes it with a 200 status.
func writeJSON(w http.ResponseWriter, resp interface{}) {
	respBytes, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(respBytes)
}

// uintParam parses the named query parameter as an unsigned integer.
func uintParam(r *http.Request, name string) (uint64, error) {
	vals, ok := r.URL.Query()[name]
	if !ok || len(vals) < 1 {
		return 0, fmt.Errorf("no %s parameter", name)
	}
	return strconv.ParseUint(vals[0], 10, 64)
}

// getSTHHandler processes GET requests for the CT get-sth endpoint. It returns
// the server's current STH signed with the log key.
func (is *IntegrationSrv) getSTHHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}

	is.logger.Printf("%s %s request received.", is.Addr, r.URL.Path)
	start := time.Now()

	resp, err := is.GetSTH()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	is.logger.Printf("%s %s request completed %s later", is.Addr, r.URL.Path, time.Since(start))
	writeJSON(w, resp)
}

// getConsistencyHandler handles CT API requests for the get-sth-consistency
// endpoint. It returns a consistency proof from the log's tree.
func (is *IntegrationSrv) getConsistencyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}

	first, err := uintParam(r, "first")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	second, err := uintParam(r, "second")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	is.logger.Printf("%s %s request received.", is.Addr, r.URL.Path)
	resp, err := is.GetConsistencyProof(first, second)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, resp)
}

// addLeavesHandler grows the log's tree by the "count" query parameter
// through a HTTP POST request.
func (is *IntegrationSrv) addLeavesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	count, err := uintParam(r, "count")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	is.AddLeaves(int(count))
	writeJSON(w, map[string]uint64{"tree_size": is.TreeSize()})
}

// getSTHFetchesHandler allows fetching the number of get-sth requests
// processed so far using an HTTP GET request.
func (is *IntegrationSrv) getSTHFetchesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, map[string]int64{"sth_fetches": is.STHFetches()})
}
