package apiserver

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/multi-agent/go-coord/pkg/errors"
	"github.com/multi-agent/go-coord/pkg/logger"
)

// 统一响应辅助 (所有 handler 共用)。

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": data})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false,
		"error": gin.H{"code": "VALIDATION", "message": err.Error()}})
}

// fail 按哨兵错误链映射 HTTP 状态码, 未识别的错误一律 500 且不外泄细节。
func fail(c *gin.Context, err error) {
	status, code := httpStatus(err)
	if status == http.StatusInternalServerError {
		logger.Errorw("internal error", logger.FieldError, err.Error())
		c.JSON(status, gin.H{"success": false,
			"error": gin.H{"code": code, "message": "服务器内部错误"}})
		return
	}
	c.JSON(status, gin.H{"success": false,
		"error": gin.H{"code": code, "message": err.Error()}})
}

// httpStatus 哨兵错误 → (状态码, 错误码)。
func httpStatus(err error) (int, string) {
	switch {
	case apperrors.Is(err, apperrors.ErrInvalidInput):
		return http.StatusBadRequest, "VALIDATION"
	case apperrors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case apperrors.Is(err, apperrors.ErrConflict):
		return http.StatusConflict, "conflict"
	case apperrors.Is(err, apperrors.ErrSessionBusy):
		return http.StatusConflict, "session_busy"
	case apperrors.Is(err, apperrors.ErrSessionLockConflict):
		return http.StatusConflict, "session_lock_conflict"
	case apperrors.Is(err, apperrors.ErrNotYourTurn):
		return http.StatusConflict, "not_your_turn"
	case apperrors.Is(err, apperrors.ErrNoHandler):
		return http.StatusUnprocessableEntity, "no_handler"
	case apperrors.Is(err, apperrors.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case apperrors.Is(err, apperrors.ErrSessionEnded):
		return http.StatusGone, "session_ended"
	case apperrors.Is(err, apperrors.ErrMeetingEnded):
		return http.StatusGone, "meeting_ended"
	case apperrors.Is(err, apperrors.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
