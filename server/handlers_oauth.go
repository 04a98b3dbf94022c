package server

import (
	"context"
	"html/template"
	"net/http"
	"net/url"

	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-grant-server/auth"
	"github.com/jrsteele09/go-grant-server/oauthmodel"
	"github.com/jrsteele09/go-grant-server/server/authflowrepo"
)

// pageData is shared by every interaction page.
type pageData struct {
	AppName    string
	FlowID     string
	ClientName string
	Username   string
	Error      string
}

type consentPageData struct {
	pageData
	Scopes      []string
	Ticket      string
	Backchannel bool
}

type devicePageData struct {
	pageData
	UserCode string
}

type donePageData struct {
	pageData
	Title   string
	Message string
}

// Authorize runs the authorization endpoint for GET (query) and POST (form) requests
func (s *Server) Authorize() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		formErr := r.ParseForm()
		s.runAuthorize(w, r, auth.AuthorizeRequest{
			Params:     r.Form,
			SessionID:  sessionIDFromRequest(r),
			RemoteAddr: remoteAddr(r),
			FormError:  formErr,
		})
	}
}

func (s *Server) runAuthorize(w http.ResponseWriter, r *http.Request, req auth.AuthorizeRequest) {
	result, err := s.auth.Authorize(r.Context(), req)
	if err != nil {
		// Not redirectable: the redirect URI or the client could not be verified.
		writeOAuthError(w, err, "")
		return
	}
	s.handleAuthorizeResult(w, r, result)
}

// handleAuthorizeResult sends the browser wherever the authorization decision points it.
func (s *Server) handleAuthorizeResult(w http.ResponseWriter, r *http.Request, result *auth.AuthorizeResult) {
	if result.Session != nil {
		s.setSessionCookie(w, r, result.Session.ID)
	}

	switch result.Outcome {
	case auth.OutcomeRedirect:
		if err := s.callbackRedirect(w, r, result.Response); err != nil {
			writeOAuthError(w, err, "")
		}
	case auth.OutcomeBackchannelComplete:
		s.renderDone(w, http.StatusOK, "Request approved", "You can close this window and return to your device.")
	case auth.OutcomeLogin, auth.OutcomeConsent, auth.OutcomeSelectAccount:
		flowID, err := s.parkFlow(r.Context(), result)
		if err != nil {
			writeOAuthError(w, err, "")
			return
		}
		http.Redirect(w, r, interactionPage(result.Outcome)+"?"+flowParam+"="+url.QueryEscape(flowID), http.StatusSeeOther)
	default:
		log.Error().Str("outcome", string(result.Outcome)).Msg("unknown authorization outcome")
		writeOAuthError(w, oauthmodel.ServerError(nil), "")
	}
}

func interactionPage(outcome auth.Outcome) string {
	switch outcome {
	case auth.OutcomeConsent:
		return RouteConsent
	case auth.OutcomeSelectAccount:
		return RouteSelectAccount
	}
	return RouteLogin
}

// parkFlow stores the effective request so the interaction page can resume it.
func (s *Server) parkFlow(ctx context.Context, result *auth.AuthorizeResult) (string, error) {
	state := &authflowrepo.AuthFlowState{
		SessionID:     result.Session.ID,
		Params:        result.Params.Values(),
		Scopes:        result.Params.Scopes,
		Backchannel:   result.Params.AuthReqID != "" || result.Params.UserCode != "",
		ConsentTicket: result.ConsentTicket,
		CreatedAt:     s.now(),
	}
	if result.Client != nil {
		state.ClientID = result.Client.ID
		state.ClientName = clientDisplayName(result.Client.ID, result.Client.Description)
	}
	if result.Outcome == auth.OutcomeSelectAccount && result.Session.UserID != "" {
		if user, err := s.repos.Users.GetByID(result.Session.UserID); err == nil {
			state.Username = user.Username
		}
	}

	flowID := generateRandomString(32)
	if err := s.flows.Upsert(ctx, flowID, state); err != nil {
		return "", err
	}
	return flowID, nil
}

func clientDisplayName(id, description string) string {
	if description != "" {
		return description
	}
	return id
}

// callbackRedirect sends the authorization response to the client's redirect URI using the
// response mode (query, fragment, form_post and their JARM variants).
func (s *Server) callbackRedirect(w http.ResponseWriter, r *http.Request, resp *auth.AuthorizationResponse) error {
	u, err := url.Parse(resp.RedirectURI)
	if err != nil {
		return oauthmodel.ServerError(err)
	}

	switch resp.Mode {
	case oauthmodel.FragmentResponseMode, oauthmodel.FragmentJWTResponseMode:
		u.Fragment, u.RawFragment = "", ""
		http.Redirect(w, r, u.String()+"#"+resp.Params.Encode(), http.StatusSeeOther)

	case oauthmodel.FormPostResponseMode, oauthmodel.FormPostJWTResponseMode:
		// The redirect URI was matched against the client registration.
		s.renderPage(w, http.StatusOK, pageFormPost, struct {
			RedirectURI template.URL
			Params      url.Values
		}{
			RedirectURI: template.URL(u.String()),
			Params:      resp.Params,
		})

	default:
		q := u.Query()
		for key, values := range resp.Params {
			q[key] = values
		}
		u.RawQuery = q.Encode()
		http.Redirect(w, r, u.String(), http.StatusSeeOther)
	}
	return nil
}

func (s *Server) renderDone(w http.ResponseWriter, status int, title, message string) {
	s.renderPage(w, status, pageDone, donePageData{
		pageData: pageData{AppName: s.config.GetAppName()},
		Title:    title,
		Message:  message,
	})
}
