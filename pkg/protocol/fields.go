package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Field keys shared by client and server.
const (
	FieldUsername         = "username"
	FieldEmail            = "email"
	FieldPassword         = "password"
	FieldIPAddress        = "direccionIP"
	FieldPhoto            = "foto"
	FieldClientVersion    = "versionCliente"
	FieldSessionToken     = "sessionToken"
	FieldUserID           = "userId"
	FieldName             = "nombre"
	FieldDescription      = "descripcion"
	FieldInvitedUsers     = "usuariosInvitados"
	FieldInvitationID     = "invitacionId"
	FieldChannelID        = "canalId"
	FieldDestination      = "usernameDestino"
	FieldContent          = "contenido"
	FieldSender           = "remitente"
	FieldRecipient        = "destinatario"
	FieldKind             = "tipo"
	FieldAudio            = "contenidoAudio"
	FieldAudioFormat      = "formato"
	FieldDurationSeconds  = "duracionSegundos"
	FieldLimit            = "limite"
	FieldUsers            = "usuarios"
	FieldGroups           = "grupos"
	FieldMembers          = "miembros"
	FieldInvitations      = "invitaciones"
	FieldMessages         = "mensajes"
	FieldMessageID        = "mensajeId"
	FieldDelivered        = "entregado"
	FieldDeliveredCount   = "entregados"
	FieldInvitationsSent  = "invitacionesEnviadas"
	FieldUsersNotFound    = "usuariosNoEncontrados"
	FieldServerTime       = "serverTime"
	FieldOnline           = "enLinea"
	FieldID               = "id"
	FieldCreatedAt        = "creadoEn"
	FieldOwnerID          = "propietarioId"
	FieldStatus           = "estado"
	FieldInviterUsername  = "usernameInvitador"
	FieldChannelName      = "nombreCanal"
	FieldChannelDesc      = "descripcionCanal"
	FieldChannelPhoto     = "fotoCanal"
	FieldBroadcastMessage = "mensaje"
	FieldTimestamp        = "timestamp"
	FieldReason           = "motivo"
	FieldNotificationKind = "tipoNotificacion"
)

// Fields is the key/value bag carried by requests and responses.
type Fields map[string]any

// Has reports whether key is present with a non-nil value.
func (f Fields) Has(key string) bool {
	if f == nil {
		return false
	}
	v, ok := f[key]
	return ok && v != nil
}

// String returns a trimmed, non-empty string value.
func (f Fields) String(key string) (string, error) {
	v, ok := f[key]
	if !ok || v == nil {
		return "", fmt.Errorf("falta el campo %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("el campo %q debe ser texto", key)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("el campo %q está vacío", key)
	}
	return s, nil
}

// Text returns a non-blank string value as sent, surrounding whitespace
// included. Used for passwords and message bodies.
func (f Fields) Text(key string) (string, error) {
	v, ok := f[key]
	if !ok || v == nil {
		return "", fmt.Errorf("falta el campo %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("el campo %q debe ser texto", key)
	}
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("el campo %q está vacío", key)
	}
	return s, nil
}

// OptString returns the string value of key or "" when absent.
func (f Fields) OptString(key string) string {
	if s, ok := f[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// Int64 accepts any integer type, an integral float64 or a numeric string.
func (f Fields) Int64(key string) (int64, error) {
	v, ok := f[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("falta el campo %q", key)
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("el campo %q debe ser entero", key)
		}
		return int64(n), nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("el campo %q debe ser entero", key)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("el campo %q debe ser entero", key)
	}
}

// OptInt64 returns the integer value of key or def when absent or malformed.
func (f Fields) OptInt64(key string, def int64) int64 {
	if !f.Has(key) {
		return def
	}
	n, err := f.Int64(key)
	if err != nil {
		return def
	}
	return n
}

// Bytes returns a non-empty byte slice.
func (f Fields) Bytes(key string) ([]byte, error) {
	v, ok := f[key]
	if !ok || v == nil {
		return nil, fmt.Errorf("falta el campo %q", key)
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("el campo %q debe ser binario", key)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("el campo %q está vacío", key)
	}
	return b, nil
}

// OptBytes returns the byte slice for key or nil.
func (f Fields) OptBytes(key string) []byte {
	b, _ := f[key].([]byte)
	return b
}

// Bool returns the boolean value for key, false when absent.
func (f Fields) Bool(key string) bool {
	b, _ := f[key].(bool)
	return b
}

// Time returns the time value for key, or the zero time.
func (f Fields) Time(key string) time.Time {
	t, _ := f[key].(time.Time)
	return t
}

// StringList accepts []string or []any holding strings. Blank entries are dropped.
func (f Fields) StringList(key string) ([]string, error) {
	v, ok := f[key]
	if !ok || v == nil {
		return nil, fmt.Errorf("falta el campo %q", key)
	}
	var raw []string
	switch l := v.(type) {
	case []string:
		raw = l
	case []any:
		raw = make([]string, 0, len(l))
		for _, item := range l {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("el campo %q debe ser una lista de texto", key)
			}
			raw = append(raw, s)
		}
	default:
		return nil, fmt.Errorf("el campo %q debe ser una lista", key)
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// Maps returns a list of nested maps, accepting []map[string]any or []any.
func (f Fields) Maps(key string) []map[string]any {
	switch l := f[key].(type) {
	case []map[string]any:
		return l
	case []any:
		out := make([]map[string]any, 0, len(l))
		for _, item := range l {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}
