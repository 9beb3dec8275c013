package app

import (
	"fmt"
	"strings"
)

// tokenLimitMarker shows up in raw Gemini errors when the reply got cut off
// by the model's output token limit.
const tokenLimitMarker = "MAX_TOKENS"

// FormatUserError maps a classified error into the user-facing text shown on
// the message bubble. Pure function; strings follow the backend's locale.
func FormatUserError(err *AgentError) string {
	if err == nil {
		return ""
	}
	if strings.Contains(err.Message, tokenLimitMarker) {
		return "A resposta foi interrompida porque atingiu o limite de tokens do modelo. Tente uma pergunta mais curta ou peça um resumo."
	}

	switch err.Kind {
	case ErrCancelled:
		return "Requisição cancelada pelo usuário"
	case ErrNetwork:
		return "Não foi possível conectar ao servidor. Verifique sua conexão e tente novamente."
	case ErrQuota:
		return formatQuotaError(err)
	}

	if strings.TrimSpace(err.Message) != "" {
		return err.Message
	}
	return "Ocorreu um erro inesperado. Tente novamente."
}

func formatQuotaError(err *AgentError) string {
	minutes := retryMinutes(err.RetryAfter)

	switch err.Code {
	case CodeQuotaExceeded:
		if err.RetryAfter > 0 && err.RetryAfter < 3600 {
			return fmt.Sprintf("Limite de uso excedido. Tente novamente em %d minutos.", minutes)
		}
		return "Limite de uso excedido. Tente novamente em 24 horas."
	case CodeRateLimit:
		if err.RetryAfter > 0 {
			return fmt.Sprintf("Muitas requisições em sequência. Aguarde %d minutos e tente novamente.", minutes)
		}
		return "Muitas requisições em sequência. Aguarde um momento e tente novamente."
	case CodeResourceExhausted:
		return "O serviço está sobrecarregado no momento. Tente novamente em alguns minutos."
	case CodeAPIKeyInvalid:
		return "Chave de API inválida. Verifique a configuração do servidor."
	case CodeBillingNotEnabled:
		return "Faturamento não habilitado para o projeto. Verifique a configuração do servidor."
	case CodeTimeout:
		return "O servidor demorou demais para responder. Tente novamente."
	}

	if err.RetryAfter > 0 {
		return fmt.Sprintf("Serviço temporariamente indisponível. Tente novamente em %d minutos.", minutes)
	}
	return "Serviço temporariamente indisponível. Tente novamente mais tarde."
}

func retryMinutes(seconds int) int {
	if seconds <= 0 {
		return 0
	}
	return (seconds + 59) / 60
}
