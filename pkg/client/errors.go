package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/morezero/chatcore/pkg/protocol"
)

var (
	// ErrNotConnected is returned when a request is attempted without a live connection.
	ErrNotConnected = errors.New("no conectado al servidor")
	// ErrTimeout is wrapped by every *TimeoutError.
	ErrTimeout = errors.New("tiempo de espera agotado")
	// ErrConnectionLost is returned when the connection dies while a reply is awaited.
	ErrConnectionLost = errors.New("conexión con el servidor perdida")
	// ErrAlreadyConnected is returned by Connect on an adapter that is already connected.
	ErrAlreadyConnected = errors.New("ya conectado al servidor")
)

// TimeoutError reports a request whose reply did not arrive in time.
type TimeoutError struct {
	Operation protocol.Operation
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: sin respuesta tras %s", e.Operation, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// ServiceError is an application failure reported by the server. The
// connection is still usable.
type ServiceError struct {
	Operation protocol.Operation
	Status    protocol.StatusCode
	Message   string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Operation, e.Message, e.Status)
}

// IsStatus reports whether err is a *ServiceError carrying status.
func IsStatus(err error, status protocol.StatusCode) bool {
	var se *ServiceError
	return errors.As(err, &se) && se.Status == status
}
