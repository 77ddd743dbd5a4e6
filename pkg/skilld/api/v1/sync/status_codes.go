package api_v1_sync

import (
	"net/http"
)

var StatusCodes = []int{
	http.StatusOK,
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusConflict,
	http.StatusInternalServerError,
	http.StatusGatewayTimeout,
}
