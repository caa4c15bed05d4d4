package handlers

import (
	"context"
	"fmt"
	"html/template"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"

	"cardgate-api/card"
	"cardgate-api/middleware"
	"cardgate-api/models"
	"cardgate-api/relay"
	"cardgate-api/services/processor"
	"cardgate-api/utils"
)

// TokenizeBackend is the processor surface the gate needs for relay
// sessions. *processor.Client satisfies it.
type TokenizeBackend interface {
	Tokenize(ctx context.Context, bearer string, in card.Input) (*models.TokenizeResult, error)
}

// ProxyBackend adds the token-only proxy calls used by the purchase and
// detokenize endpoints.
type ProxyBackend interface {
	TokenizeBackend
	Purchase(ctx context.Context, bearer, token string) (*processor.ProxyResult, error)
	Detokenize(ctx context.Context, bearer, token string) (*processor.ProxyResult, error)
}

// PageSessionName is the signed cookie binding the served page to the
// merchant it was verified for.
const PageSessionName = "cardgate_page"

// GateHandler is the Origin & CSP guard: it runs behind the merchant
// auth middleware, so a request only reaches it with a verified
// identity, and answers with the card-entry page scoped to exactly that
// merchant's allowed domain.
type GateHandler struct {
	sessions *relay.Registry
	backend  TokenizeBackend
	store    *sessions.CookieStore
	tmpl     *template.Template
}

func NewGateHandler(registry *relay.Registry, backend TokenizeBackend, store *sessions.CookieStore) *GateHandler {
	return &GateHandler{
		sessions: registry,
		backend:  backend,
		store:    store,
		tmpl:     template.Must(template.New("gate").Parse(gatePageTemplate)),
	}
}

// sessionTokenizer binds the merchant's bearer token to a relay session
// so the outbound tokenize call carries the same credential the page was
// served under.
type sessionTokenizer struct {
	backend TokenizeBackend
	bearer  string
}

func (t sessionTokenizer) Tokenize(ctx context.Context, in card.Input) (*models.TokenizeResult, error) {
	return t.backend.Tokenize(ctx, t.bearer, in)
}

// ServeGate serves the card-entry page. The CSP frame-ancestors value is
// the merchant's allowed domain and nothing else, so no other origin can
// embed the page even if it obtains the URL.
func (h *GateHandler) ServeGate(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetMerchantFromContext(r.Context())
	if identity == nil {
		utils.SendErrorResponse(w, http.StatusForbidden, "Invalid token")
		return
	}
	bearer := middleware.GetBearerFromContext(r.Context())

	sessionID := uuid.New().String()
	sess := relay.NewSession(sessionID, identity.MerchantID, identity.AllowedDomain, sessionTokenizer{
		backend: h.backend,
		bearer:  bearer,
	})
	h.sessions.Add(sess)

	pageSession, _ := h.store.Get(r, PageSessionName)
	pageSession.Values["merchant_id"] = identity.MerchantID
	pageSession.Values["allowed_domain"] = identity.AllowedDomain
	pageSession.Values["relay_session"] = sessionID
	pageSession.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   1800,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteNoneMode, // the page always lives in a cross-site iframe
	}
	if err := pageSession.Save(r, w); err != nil {
		log.Printf("Failed to save page session: %v", err)
	}

	w.Header().Set("Content-Security-Policy",
		fmt.Sprintf("default-src 'self'; frame-ancestors %s;", identity.AllowedDomain))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	err := h.tmpl.Execute(w, struct {
		AllowedDomain string
		SessionID     string
	}{
		AllowedDomain: identity.AllowedDomain,
		SessionID:     sessionID,
	})
	if err != nil {
		log.Printf("Failed to render gate page for merchant %s: %v", identity.MerchantID, err)
	}
}

// gatePageTemplate is the iframe document. The widget script reads the
// injected allowed domain, talks to the proxy endpoints and forwards the
// relay envelope to the parent frame via postMessage.
const gatePageTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Secure card entry</title>
<script>
window.ALLOWED_DOMAIN = {{.AllowedDomain}};
window.RELAY_SESSION = {{.SessionID}};
</script>
</head>
<body>
<form id="card-form" autocomplete="off">
  <input id="card-pan" name="pan" inputmode="numeric" placeholder="Card number">
  <input id="expiry" name="expiry" inputmode="numeric" placeholder="MM/YY">
  <input id="cvv" name="cvv" inputmode="numeric" placeholder="CVV">
  <span id="card-brand" class="brand unknown"></span>
  <button id="submit" type="button" disabled>Buy</button>
</form>
<script>
(function () {
  var token = new URLSearchParams(location.search).get("token") || "";
  var form = {
    pan: document.getElementById("card-pan"),
    expiry: document.getElementById("expiry"),
    cvv: document.getElementById("cvv")
  };
  var brandEl = document.getElementById("card-brand");
  var submit = document.getElementById("submit");
  var inFlight = false;

  function refresh() {
    submit.disabled = inFlight ||
      !form.pan.value.trim() || !form.expiry.value.trim() || !form.cvv.value.trim();
  }
  Object.keys(form).forEach(function (k) {
    form[k].addEventListener("input", refresh);
  });

  submit.addEventListener("click", function () {
    if (inFlight) return;
    inFlight = true;
    refresh();
    fetch("/api/proxy/tokenize?token=" + encodeURIComponent(token), {
      method: "POST",
      headers: { "Content-Type": "application/json" },
      body: JSON.stringify({
        session_id: window.RELAY_SESSION,
        pan: form.pan.value,
        expiry: form.expiry.value,
        cvv: form.cvv.value
      })
    }).then(function (resp) { return resp.json(); }).then(function (body) {
      inFlight = false;
      refresh();
      if (body.status === "success" && body.data && body.data.message) {
        window.parent.postMessage(body.data.message, body.data.target_origin);
        return;
      }
      var fields = body.data || {};
      form.pan.classList.toggle("invalid", fields.pan_ok === false);
      form.expiry.classList.toggle("invalid", fields.expiry_ok === false);
      form.cvv.classList.toggle("invalid", fields.cvv_ok === false);
      brandEl.className = "brand " + (fields.brand || "unknown");
    }).catch(function () {
      inFlight = false;
      refresh();
    });
  });
})();
</script>
</body>
</html>
`
