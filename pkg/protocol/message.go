package protocol

// Operation names a request handled by the server dispatcher. Values are the
// literal strings used on the wire.
type Operation string

const (
	OpRegister               Operation = "REGISTRO"
	OpLogin                  Operation = "LOGIN"
	OpLogout                 Operation = "LOGOUT"
	OpCreateGroup            Operation = "CREAR_GRUPO"
	OpCreateGroupWithInvites Operation = "CREAR_GRUPO_CON_INVITACIONES"
	OpInviteToGroup          Operation = "INVITAR_A_GRUPO"
	OpAcceptInvite           Operation = "ACEPTAR_INVITACION"
	OpRejectInvite           Operation = "RECHAZAR_INVITACION"
	OpPendingInvites         Operation = "OBTENER_INVITACIONES_PENDIENTES"
	OpOnlineUsers            Operation = "OBTENER_USUARIOS_ONLINE"
	OpAllUsers               Operation = "OBTENER_TODOS_USUARIOS"
	OpGroups                 Operation = "OBTENER_GRUPOS"
	OpGroupMembers           Operation = "OBTENER_MIEMBROS_GRUPO"
	OpLeaveGroup             Operation = "SALIR_DE_GRUPO"
	OpSendMessage            Operation = "ENVIAR_MENSAJE"
	OpSendGroupMessage       Operation = "ENVIAR_MENSAJE_GRUPO"
	OpSendAudio              Operation = "ENVIAR_MENSAJE_AUDIO"
	OpPrivateHistory         Operation = "OBTENER_HISTORIAL_PRIVADO"
	OpGroupHistory           Operation = "OBTENER_HISTORIAL_GRUPO"
	OpPing                   Operation = "PING"
)

// RequiresAuth reports whether op may only run on an authenticated connection.
func (op Operation) RequiresAuth() bool {
	switch op {
	case OpRegister, OpLogin, OpLogout, OpPing:
		return false
	}
	return true
}

// StatusCode classifies a Response.
type StatusCode string

const (
	StatusOK              StatusCode = "OK"
	StatusCreated         StatusCode = "CREATED"
	StatusBadRequest      StatusCode = "BAD_REQUEST"
	StatusUnauthorized    StatusCode = "UNAUTHORIZED"
	StatusForbidden       StatusCode = "FORBIDDEN"
	StatusNotFound        StatusCode = "NOT_FOUND"
	StatusConflict        StatusCode = "CONFLICT"
	StatusTooManyRequests StatusCode = "TOO_MANY_REQUESTS"
	StatusError           StatusCode = "ERROR"
)

// Request is the payload of a REQUEST envelope. Fields is a loosely typed bag;
// each operation defines its own keys.
type Request struct {
	Operation    Operation
	SessionToken string
	UserID       int64
	Fields       Fields
}

// NewRequest builds a request for op with the given fields.
func NewRequest(op Operation, fields Fields) *Request {
	if fields == nil {
		fields = Fields{}
	}
	return &Request{Operation: op, Fields: fields}
}

// Response is the payload of RESPONSE and NOTIFICATION envelopes.
type Response struct {
	Success bool
	Status  StatusCode
	Message string
	Fields  Fields
}

// OK builds a successful response.
func OK(message string, fields Fields) *Response {
	return &Response{Success: true, Status: StatusOK, Message: message, Fields: fields}
}

// Created builds a successful response for resource-creating operations.
func Created(message string, fields Fields) *Response {
	return &Response{Success: true, Status: StatusCreated, Message: message, Fields: fields}
}

// Fail builds a failed response. A failed response always carries a message.
func Fail(status StatusCode, message string) *Response {
	if message == "" {
		message = defaultFailureMessage(status)
	}
	if status == StatusOK || status == StatusCreated || status == "" {
		status = StatusError
	}
	return &Response{Success: false, Status: status, Message: message}
}

func defaultFailureMessage(status StatusCode) string {
	switch status {
	case StatusUnauthorized:
		return "Usuario no autenticado"
	case StatusNotFound:
		return "Recurso no encontrado"
	case StatusBadRequest:
		return "Solicitud inválida"
	case StatusForbidden:
		return "Operación no permitida"
	case StatusConflict:
		return "Conflicto con el estado actual"
	case StatusTooManyRequests:
		return "Demasiadas solicitudes"
	default:
		return "Error interno del servidor"
	}
}

// Field returns resp.Fields[key] or nil.
func (r *Response) Field(key string) any {
	if r == nil || r.Fields == nil {
		return nil
	}
	return r.Fields[key]
}
