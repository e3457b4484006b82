package apis

import (
	"net/http"

	"github.com/alwitt/ddpserver/common"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// ========================================================================================
// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// defineRestAPIHandler define the common REST handler base
func defineRestAPIHandler(logTags log.Fields, httpConfig *common.HTTPConfig) goutils.RestAPIHandler {
	return goutils.RestAPIHandler{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
		DoNotLogHeaders: func() map[string]bool {
			result := map[string]bool{}
			for _, v := range httpConfig.Logging.DoNotLogHeaders {
				result[v] = true
			}
			return result
		}(),
	}
}

// AccessLogWriter sink for HTTP access log lines
type AccessLogWriter struct {
	common.Component
}

// NewAccessLogWriter define a new AccessLogWriter
func NewAccessLogWriter(instance string) *AccessLogWriter {
	return &AccessLogWriter{
		Component: common.Component{LogTags: log.Fields{
			"module": "apis", "component": "access-log", "instance": instance,
		}},
	}
}

// Write logging support
func (w *AccessLogWriter) Write(p []byte) (n int, err error) {
	log.WithFields(w.LogTags).Infof("%s", p)
	return len(p), nil
}
