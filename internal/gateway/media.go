package gateway

import (
	"io/fs"
	"net/http"
	"strings"

	"github.com/soyeahso/unibox/internal/domain"
	"github.com/soyeahso/unibox/internal/media"
)

// Headers a dashboard backend uses to scope media requests to a viewer,
// mirroring the viewer sent on the websocket connect frame.
const (
	viewerUserHeader       = "X-Unibox-User"
	viewerWorkspacesHeader = "X-Unibox-Workspaces"
)

// mediaHandler serves stored media files to authorized callers. Requests
// carry the gateway secret as a bearer token or a token query parameter,
// since <img> and <audio> tags cannot set headers.
func (s *Server) mediaHandler() http.Handler {
	files := http.StripPrefix("/media/", http.FileServer(http.FS(mediaFS{root: http.Dir(s.mediaRoot)})))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authLimiter.allow(r.RemoteAddr) {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		secret := requestSecret(r)
		res := Authorize(s.auth, &ConnectAuth{Token: secret, Password: secret})
		if !res.OK {
			s.authLimiter.recordFailure(r.RemoteAddr)
			s.log.Debug().Str("remote", r.RemoteAddr).Str("reason", res.Reason).Msg("media request rejected")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !s.mediaVisible(r) {
			http.NotFound(w, r)
			return
		}
		files.ServeHTTP(w, r)
	})
}

func requestSecret(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func requestViewer(r *http.Request) *domain.Viewer {
	user := r.Header.Get(viewerUserHeader)
	ws := r.Header.Get(viewerWorkspacesHeader)
	if user == "" && ws == "" {
		return nil
	}
	v := &domain.Viewer{UserID: user}
	for w := range strings.SplitSeq(ws, ",") {
		if w = strings.TrimSpace(w); w != "" {
			v.Workspaces = append(v.Workspaces, w)
		}
	}
	return v
}

// mediaVisible checks the account segment of /media/<code>/<account>/...
// against the known accounts and the request's viewer.
func (s *Server) mediaVisible(r *http.Request) bool {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/media/"), "/", 3)
	if len(parts) < 3 {
		return false
	}
	p, err := domain.PlatformFromCode(parts[0])
	if err != nil {
		return false
	}
	if s.accounts == nil {
		return true
	}
	acct, ok := s.accounts.Get(parts[1])
	if !ok || acct.Platform != p {
		return false
	}
	if v := requestViewer(r); v != nil {
		return acct.VisibleTo(*v)
	}
	return true
}

// mediaFS exposes regular media files only. Directories and sidecars look
// like missing files, so nothing can be enumerated.
type mediaFS struct {
	root http.FileSystem
}

func (m mediaFS) Open(name string) (fs.File, error) {
	if strings.HasSuffix(name, media.SidecarSuffix) {
		return nil, fs.ErrNotExist
	}
	f, err := m.root.Open("/" + strings.TrimPrefix(name, "/"))
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fs.ErrNotExist
	}
	return f, nil
}
