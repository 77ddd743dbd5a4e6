package api_v1_lock

import (
	"net/http"
)

var StatusCodes = []int{
	http.StatusOK,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusServiceUnavailable,
}
