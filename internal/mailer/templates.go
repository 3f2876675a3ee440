package mailer

import "fmt"

// ActivationEmail builds the account-activation message
func ActivationEmail(to, baseURL, token string) Message {
	link := fmt.Sprintf("%s/activate?token=%s", baseURL, token)
	return Message{
		To:      to,
		Subject: "Ative sua conta Nexus OS",
		HTML: fmt.Sprintf(`<p>Bem-vindo ao Nexus OS!</p>
<p>Clique no link abaixo para ativar sua conta:</p>
<p><a href="%s">Ativar conta</a></p>
<p>Se você não criou esta conta, ignore este email.</p>`, link),
	}
}

// PasswordResetEmail builds the password-reset message
func PasswordResetEmail(to, baseURL, token string) Message {
	link := fmt.Sprintf("%s/reset-password?token=%s", baseURL, token)
	return Message{
		To:      to,
		Subject: "Redefinição de senha - Nexus OS",
		HTML: fmt.Sprintf(`<p>Recebemos um pedido para redefinir sua senha.</p>
<p><a href="%s">Redefinir senha</a></p>
<p>O link expira em 1 hora. Se você não pediu a redefinição, ignore este email.</p>`, link),
	}
}

// InviteEmail builds the team-invite message
func InviteEmail(to, baseURL, token, inviterName string) Message {
	link := fmt.Sprintf("%s/signup?invite=%s", baseURL, token)
	return Message{
		To:      to,
		Subject: "Você foi convidado para o Nexus OS",
		HTML: fmt.Sprintf(`<p>%s convidou você para o Nexus OS.</p>
<p><a href="%s">Aceitar convite</a></p>
<p>O convite expira em 7 dias.</p>`, inviterName, link),
	}
}
