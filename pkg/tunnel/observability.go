package tunnel

import qerrors "github.com/pzverkov/sealtunnel/internal/errors"

// reportError routes a connection-fatal error to the matching observer hook.
// Transport errors are not reported; they are the normal end of a session.
func reportError(o Observer, err error) {
	if err == nil {
		return
	}
	switch qerrors.KindOf(err) {
	case qerrors.KindAuth:
		o.OnAuthFailure()
	case qerrors.KindFormat, qerrors.KindPolicy, qerrors.KindResource:
		o.OnProtocolError(err)
	}
}
