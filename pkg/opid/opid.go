// Package opid define os identificadores usados pelo ledger de processos.
// Uma operação, cada call frame e cada aquisição de lock carregam um
// identificador próprio; participantes são nomeados pelo chamador.
package opid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NewOperationID gera um identificador único para uma nova operação.
// O prefixo "op-" facilita a identificação dos arquivos em basePath.
func NewOperationID() string {
	return "op-" + uuid.NewString()
}

// NewCallID gera um identificador único para um call frame.
func NewCallID() string {
	return "call-" + uuid.NewString()
}

// NewInstanceID gera o identificador de uma aquisição de lock.
// Cada tentativa de aquisição usa um ID novo para detectar corridas perdidas.
func NewInstanceID() string {
	return uuid.NewString()
}

// ValidateOperationID verifica se um ID de operação é seguro para uso como
// nome de arquivo. IDs vêm de NewOperationID ou de chamadores externos
// (join), então separadores de caminho são rejeitados.
func ValidateOperationID(id string) error {
	if id == "" {
		return fmt.Errorf("operation id is empty")
	}
	if strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
		return fmt.Errorf("operation id %q contains path separators", id)
	}
	return nil
}

// ValidateParticipantID verifica se um ID de participante é utilizável.
func ValidateParticipantID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("participant id is empty")
	}
	return nil
}

// Short retorna uma forma abreviada de um ID para logs.
func Short(id string) string {
	if len(id) <= 11 {
		return id
	}
	return id[:11]
}
