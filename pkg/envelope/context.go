package envelope

import "context"

type incomingKey struct{}

func NewIncomingContext(ctx context.Context, e *Envelope) context.Context {
	return context.WithValue(ctx, incomingKey{}, e)
}

func FromIncomingContext(ctx context.Context) (*Envelope, bool) {
	e, ok := ctx.Value(incomingKey{}).(*Envelope)
	if !ok {
		return nil, false
	}

	return e, true
}
