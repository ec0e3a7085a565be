package handler

import (
	"github.com/go-chi/chi/v5"
)

// Routes registers the inbox API on r. Authentication and rate limiting are
// applied by the caller.
func Routes(r chi.Router, ih *InboxHandler, sh *StreamHandler) {
	r.Get("/state", ih.State)
	r.Post("/mount", ih.Mount)
	r.Post("/unmount", ih.Unmount)
	r.Put("/visibility", ih.SetVisibility)
	r.Put("/focus", ih.SetFocus)
	r.Put("/domain", ih.SwitchDomain)
	r.Get("/unread", ih.Unread)

	r.Route("/domains/{domain}/conversations", func(r chi.Router) {
		r.Get("/", ih.Conversations)
		r.Post("/{id}/open", ih.Open)
	})

	r.Post("/close", ih.Close)
	r.Post("/start", ih.Start)
	r.Get("/counterparties", ih.Counterparties)
	r.Post("/deeplinks", ih.DeepLink)

	r.Route("/thread", func(r chi.Router) {
		r.Get("/", ih.Thread)
		r.Put("/draft", ih.SetDraft)
		r.Post("/messages", ih.Send)
		r.Post("/messages/{provisionalId}/retry", ih.Retry)
		r.Delete("/messages/{provisionalId}", ih.Discard)
	})

	r.Get("/stream", sh.Stream)
}
