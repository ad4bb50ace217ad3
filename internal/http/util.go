package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// errorBody 错误响应 {"detail": "..."}
type errorBody struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Detail: detail})
}

// parseBoundedInt 读取整数查询参数，缺省返回 def，超出 [min, max] 返回错误
// max <= 0 表示无上限
func parseBoundedInt(q url.Values, name string, def, min, max int) (int, error) {
	s := q.Get(name)
	if s == "" {
		return def, nil
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if i < min || (max > 0 && i > max) {
		if max > 0 {
			return 0, fmt.Errorf("%s must be between %d and %d", name, min, max)
		}
		return 0, fmt.Errorf("%s must be >= %d", name, min)
	}
	return i, nil
}

func parseID(s, name string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return id, nil
}
