package apis

import (
	"fmt"
	"net/http"

	"github.com/alwitt/ddpserver/common"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// ReadinessCheck reports whether a dependency of the server is ready
type ReadinessCheck func() (bool, error)

// APIRestHealthHandler REST handler for liveness and readiness checks
type APIRestHealthHandler struct {
	goutils.RestAPIHandler
	checks map[string]ReadinessCheck
}

// GetAPIRestHealthHandler define APIRestHealthHandler. Every check must pass
// for the server to report ready.
func GetAPIRestHealthHandler(
	httpConfig *common.HTTPConfig, checks map[string]ReadinessCheck,
) (APIRestHealthHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "health",
	}
	return APIRestHealthHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig), checks: checks,
	}, nil
}

// Alive godoc
// @Summary For DDP server liveness check
// @Description Will return success to indicate the DDP server is live
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestHealthHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestHealthHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For DDP server readiness check
// @Description Will return success if the DDP server is ready to accept connections
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestHealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	for name, check := range h.checks {
		ready, err := check()
		if err != nil {
			log.WithError(err).WithFields(localLogTags).Warnf("Readiness check %s failed", name)
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
			return
		}
		if !ready {
			log.WithFields(localLogTags).Debugf("%s not ready", name)
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(
				r.Context(), http.StatusInternalServerError, msg, fmt.Sprintf("%s not ready", name),
			)
			return
		}
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestHealthHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
