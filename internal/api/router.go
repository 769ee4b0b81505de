package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("GET /v1/scheduler/status", h.SchedulerStatus)
	mux.HandleFunc("POST /v1/scheduler/start", h.SchedulerStart)
	mux.HandleFunc("POST /v1/scheduler/stop", h.SchedulerStop)
	mux.HandleFunc("POST /v1/scheduler/tick", h.SchedulerTick)

	mux.HandleFunc("POST /v1/posts", h.CreatePost)
	mux.HandleFunc("GET /v1/posts", h.ListPosts)
	mux.HandleFunc("DELETE /v1/posts", h.DeleteAllPosts)
	mux.HandleFunc("GET /v1/posts/{id}", h.GetPost)
	mux.HandleFunc("PATCH /v1/posts/{id}", h.UpdatePostContent)
	mux.HandleFunc("DELETE /v1/posts/{id}", h.DeletePost)
	mux.HandleFunc("PUT /v1/posts/{id}/status", h.UpdatePostStatus)

	mux.HandleFunc("GET /v1/ratelimits", h.RateLimits)

	mux.HandleFunc("GET /v1/offline", h.ListOffline)
	mux.HandleFunc("POST /v1/offline/flush", h.FlushOffline)
	mux.HandleFunc("GET /v1/offline/dead-letters", h.ListDeadLetters)

	mux.HandleFunc("POST /v1/connectivity", h.SetConnectivity)

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("post-scheduler"))
	})

	return mux
}
