package api_v1_webhook

import (
	"net/http"
)

var StatusCodes = []int{
	http.StatusOK,
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusConflict,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
}
