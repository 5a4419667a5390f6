package core

import "context"

// guardTokenTransition validates a change to the session's token field. The
// only permitted transition is unset to a token the registry knows; a session
// never switches or drops an established token.
func guardTokenTransition(ctx context.Context, registry *Registry, before, after string) error {
	switch {
	case before == after:
		return nil
	case before != "":
		return ErrTokenGuard("session token cannot be replaced or cleared")
	case after == "":
		return nil
	default:
		known, err := registry.Exists(ctx, after)
		if err != nil {
			return err
		}
		if !known {
			return ErrTokenGuard("session token must exist in the registry")
		}
		return nil
	}
}

// filterResult strips the caller's own credential from a result. The one
// sanctioned issuance channel is generateToken's freshly minted token, which
// by construction never equals the incoming credential.
func filterResult(incomingToken string, res *Result) {
	if incomingToken != "" && res.Token == incomingToken {
		res.Token = ""
	}
}
