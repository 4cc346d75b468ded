package link

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func init() {
	lang := language.English

	message.SetString(lang, string(NoticeEmailPrompt), "Welcome! You can browse right away. To do more, send me your email address and I will mail you a 6-digit code.")
	message.SetString(lang, string(NoticeVerificationRequired), "You need a verified email for that. Send me your email address and I will continue once it is confirmed.")
	message.SetString(lang, string(NoticeWelcomeVerified), "Welcome back! Your account (%s) is verified.")
	message.SetString(lang, string(NoticeCodePrompt), "I am waiting for the 6-digit code sent to your email. Send /resend for a new one or /cancel to stop.")
	message.SetString(lang, string(NoticeInvalidEmail), "That does not look like an email address. Please try again.")
	message.SetString(lang, string(NoticeCodeSent), "I sent a 6-digit code to %s. Reply with it here.")
	message.SetString(lang, string(NoticeLinkCodeSent), "%s already has an account. I sent a 6-digit code there; reply with it to link this chat to that account.")
	message.SetString(lang, string(NoticeEmailConflict), "That email is already linked to another chat. Please use a different address.")
	message.SetString(lang, string(NoticeEmailUnverified), "That email belongs to an account that is not verified yet. Verify it from the app first, then try again.")
	message.SetString(lang, string(NoticeAlreadyVerified), "This chat already has a verified account, so it cannot be linked to another one.")
	message.SetString(lang, string(NoticeInvalidCode), "Codes are 6 digits. Please check and try again.")
	message.SetString(lang, string(NoticeCodeMismatch), "That code is not right. %d attempts left, or send /resend for a new code.")
	message.SetString(lang, string(NoticeCodeExpired), "That code has expired. Send /resend for a new one.")
	message.SetString(lang, string(NoticeCodeLocked), "Too many wrong attempts. Send /resend for a new code.")
	message.SetString(lang, string(NoticeNoChallenge), "There is no active code for you. Send /resend or start again with /start.")
	message.SetString(lang, string(NoticeRegistered), "Your email %s is verified. You have full access now.")
	message.SetString(lang, string(NoticeLinked), "This chat is now linked to your account for %s.")
	message.SetString(lang, string(NoticeCodeResent), "I sent you a new code. Any earlier code no longer works.")
	message.SetString(lang, string(NoticeResendTooSoon), "Please wait a minute before asking for another code.")
	message.SetString(lang, string(NoticeNothingToResend), "There is nothing to resend. Send /start to begin.")
	message.SetString(lang, string(NoticeCancelled), "Cancelled. Send /start whenever you want to continue.")
	message.SetString(lang, string(NoticeTryAgain), "Something went wrong on our side. Please try again in a moment.")
	message.SetString(lang, string(NoticeActionFailed), "You are verified, but I could not finish what you asked earlier. Please try it again.")
}
