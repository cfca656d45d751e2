package utils

import "net/http"

// SetupSSEHeaders 设置Server-Sent Events响应头
func SetupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// 反向代理（nginx）不得缓冲流式响应。
	w.Header().Set("X-Accel-Buffering", "no")
}
