package verification

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func init() {
	lang := language.English

	message.SetString(lang, "verification.email.register.subject", "Confirm your email address")
	message.SetString(lang, "verification.email.register.body",
		"Your verification code is %s.\r\nIt expires in 15 minutes. If you did not ask for it, ignore this email.\r\n")
	message.SetString(lang, "verification.email.link.subject", "Link your chat to your account")
	message.SetString(lang, "verification.email.link.body",
		"Someone asked to link a chat conversation to your account. The code is %s.\r\nIt expires in 15 minutes. If this was not you, ignore this email.\r\n")
}
