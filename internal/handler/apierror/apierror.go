// Package apierror maps simulation errors onto HTTP responses.
package apierror

import (
	"log"
	"net/http"

	"github.com/zhouzirui/z-clinic/backend/internal/service/simulation"
	"github.com/zhouzirui/z-clinic/backend/pkg/utils"
)

// Status returns the HTTP status for err.
func Status(err error) int {
	switch simulation.KindOf(err) {
	case simulation.KindInvalidArgument:
		return http.StatusBadRequest
	case simulation.KindNotFound:
		return http.StatusNotFound
	case simulation.KindForbidden:
		return http.StatusForbidden
	case simulation.KindUpstreamFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Write 输出错误响应；内部错误只记录日志，不向客户端暴露细节。
func Write(w http.ResponseWriter, err error) {
	status := Status(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("[http] internal error: %v", err)
		message = "internal error"
	} else if status == http.StatusBadGateway {
		log.Printf("[http] upstream failure: %v", err)
	}
	utils.RespondError(w, status, message)
}
