package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-grant-server/auth"
	"github.com/jrsteele09/go-grant-server/internal/errors"
	"github.com/jrsteele09/go-grant-server/oauthmodel"
	"github.com/jrsteele09/go-grant-server/server/authflowrepo"
)

// loadFlow fetches the parked request named by the flow parameter. The browser must still hold
// the session the request started in.
func (s *Server) loadFlow(w http.ResponseWriter, r *http.Request, flowID string) (*authflowrepo.AuthFlowState, bool) {
	if flowID == "" {
		s.renderDone(w, http.StatusBadRequest, "Request not found", "Start again from the application.")
		return nil, false
	}
	flow, err := s.flows.Get(r.Context(), flowID)
	if err != nil {
		if !errors.Is(err, errors.ErrNotFound) {
			log.Err(err).Msg("failed to load authorization flow")
		}
		s.renderDone(w, http.StatusBadRequest, "Request expired", "This request has expired. Start again from the application.")
		return nil, false
	}
	if sessionIDFromRequest(r) != flow.SessionID {
		s.renderDone(w, http.StatusBadRequest, "Request not found", "Start again from the application.")
		return nil, false
	}
	return flow, true
}

// resumeFlow drops the parked request and runs the authorization endpoint again.
func (s *Server) resumeFlow(w http.ResponseWriter, r *http.Request, flowID string, req auth.AuthorizeRequest) {
	if err := s.flows.Delete(r.Context(), flowID); err != nil {
		log.Err(err).Msg("failed to delete authorization flow")
	}
	req.RemoteAddr = remoteAddr(r)
	s.runAuthorize(w, r, req)
}

func (s *Server) page(flowID string, flow *authflowrepo.AuthFlowState) pageData {
	return pageData{
		AppName:    s.config.GetAppName(),
		FlowID:     flowID,
		ClientName: flow.ClientName,
		Username:   flow.Username,
	}
}

// LoginPageUIHandler displays the login page (GET /login)
func (s *Server) LoginPageUIHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flowID := r.URL.Query().Get(flowParam)
		flow, ok := s.loadFlow(w, r, flowID)
		if !ok {
			return
		}
		data := s.page(flowID, flow)
		data.Username = flow.Params.Get("login_hint")
		s.renderPage(w, http.StatusOK, pageLogin, data)
	}
}

// LoginSubmissionHandler checks the credentials and resumes the authorization request
func (s *Server) LoginSubmissionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Invalid form data", http.StatusBadRequest)
			return
		}
		flowID := r.PostFormValue(flowParam)
		flow, ok := s.loadFlow(w, r, flowID)
		if !ok {
			return
		}

		username := strings.TrimSpace(r.PostFormValue("username"))
		password := r.PostFormValue("password")
		if _, err := s.auth.Login(r.Context(), flow.SessionID, username, password); err != nil {
			data := s.page(flowID, flow)
			data.Username = username
			switch {
			case errors.Is(err, errors.ErrInvalidCredentials):
				data.Error = "Invalid username or password"
				s.renderPage(w, http.StatusUnauthorized, pageLogin, data)
			case errors.Is(err, errors.ErrSessionNotFound):
				s.renderDone(w, http.StatusBadRequest, "Request expired", "Your session has expired. Start again from the application.")
			default:
				log.Err(err).Msg("login failed")
				data.Error = "Something went wrong, please try again"
				s.renderPage(w, http.StatusInternalServerError, pageLogin, data)
			}
			return
		}

		s.resumeFlow(w, r, flowID, auth.AuthorizeRequest{Params: flow.Params, SessionID: flow.SessionID, Resumed: true})
	}
}

// ConsentGetHandler shows the client and the scopes it asks for
func (s *Server) ConsentGetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flowID := r.URL.Query().Get(flowParam)
		flow, ok := s.loadFlow(w, r, flowID)
		if !ok {
			return
		}
		s.renderPage(w, http.StatusOK, pageConsent, consentPageData{
			pageData:    s.page(flowID, flow),
			Scopes:      flow.Scopes,
			Ticket:      flow.ConsentTicket,
			Backchannel: flow.Backchannel,
		})
	}
}

// ConsentPostHandler grants or denies the parked request
func (s *Server) ConsentPostHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Invalid form data", http.StatusBadRequest)
			return
		}
		flowID := r.PostFormValue(flowParam)
		flow, ok := s.loadFlow(w, r, flowID)
		if !ok {
			return
		}
		req := auth.AuthorizeRequest{
			Params:        flow.Params,
			SessionID:     flow.SessionID,
			ConsentTicket: r.PostFormValue("ticket"),
			Resumed:       true,
		}

		switch r.PostFormValue("action") {
		case "allow":
			req.ConsentGranted = true
			s.resumeFlow(w, r, flowID, req)
		case "deny":
			if err := s.flows.Delete(r.Context(), flowID); err != nil {
				log.Err(err).Msg("failed to delete authorization flow")
			}
			result, err := s.auth.DenyAuthorization(r.Context(), req)
			if err != nil {
				writeOAuthError(w, err, "")
				return
			}
			if result.Outcome == auth.OutcomeBackchannelComplete {
				s.renderDone(w, http.StatusOK, "Request denied", "The device was not given access. You can close this window.")
				return
			}
			s.handleAuthorizeResult(w, r, result)
		default:
			http.Error(w, "Unknown action", http.StatusBadRequest)
		}
	}
}

// SelectAccountGetHandler offers the signed in account or a different one
func (s *Server) SelectAccountGetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flowID := r.URL.Query().Get(flowParam)
		flow, ok := s.loadFlow(w, r, flowID)
		if !ok {
			return
		}
		s.renderPage(w, http.StatusOK, pageSelectAccount, s.page(flowID, flow))
	}
}

func (s *Server) SelectAccountPostHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Invalid form data", http.StatusBadRequest)
			return
		}
		flowID := r.PostFormValue(flowParam)
		flow, ok := s.loadFlow(w, r, flowID)
		if !ok {
			return
		}

		params := oauthmodel.ParseAuthorizationParameters(flow.Params)
		params.RemovePrompt(oauthmodel.PromptSelectAccount)
		req := auth.AuthorizeRequest{Params: params.Values(), SessionID: flow.SessionID, Resumed: true}

		switch r.PostFormValue("action") {
		case "continue":
		case "switch":
			if err := s.auth.Logout(r.Context(), flow.SessionID); err != nil {
				log.Err(err).Msg("logout failed")
			}
			s.clearSessionCookie(w, r)
			req.SessionID = ""
		default:
			http.Error(w, "Unknown action", http.StatusBadRequest)
			return
		}
		s.resumeFlow(w, r, flowID, req)
	}
}

// DeviceGetHandler is the RFC 8628 verification page
func (s *Server) DeviceGetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.renderPage(w, http.StatusOK, pageDevice, devicePageData{
			pageData: pageData{AppName: s.config.GetAppName()},
			UserCode: normalizeUserCode(r.URL.Query().Get("user_code")),
		})
	}
}

// DevicePostHandler starts the authorization of the device request the user code names
func (s *Server) DevicePostHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Invalid form data", http.StatusBadRequest)
			return
		}
		userCode := normalizeUserCode(r.PostFormValue("user_code"))

		result, err := s.auth.Authorize(r.Context(), auth.AuthorizeRequest{
			Params:     url.Values{"user_code": {userCode}},
			SessionID:  sessionIDFromRequest(r),
			RemoteAddr: remoteAddr(r),
		})
		if err != nil {
			oauthErr := oauthmodel.AsError(err)
			if oauthErr.Status >= http.StatusInternalServerError {
				writeOAuthError(w, err, "")
				return
			}
			s.renderPage(w, http.StatusBadRequest, pageDevice, devicePageData{
				pageData: pageData{AppName: s.config.GetAppName(), Error: "That code is invalid or has expired."},
				UserCode: userCode,
			})
			return
		}
		s.handleAuthorizeResult(w, r, result)
	}
}

// LogoutHandler ends the authorization server session
func (s *Server) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if sessionID := sessionIDFromRequest(r); sessionID != "" {
			if err := s.auth.Logout(r.Context(), sessionID); err != nil {
				log.Err(err).Msg("Logout: failed to delete session")
			}
		}
		s.clearSessionCookie(w, r)
		s.renderDone(w, http.StatusOK, "Signed out", "You have been signed out.")
	}
}

// normalizeUserCode accepts codes typed in lower case or without the dash.
func normalizeUserCode(code string) string {
	code = strings.ToUpper(strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(code)))
	if len(code) == 8 {
		return code[:4] + "-" + code[4:]
	}
	return code
}
