package link

// Notice identifies a reply; it doubles as the key of the localized text.
type Notice string

const (
	NoticeNone                 Notice = ""
	NoticeEmailPrompt          Notice = "link.email.prompt"
	NoticeVerificationRequired Notice = "link.email.required"
	NoticeWelcomeVerified      Notice = "link.start.verified"
	NoticeCodePrompt           Notice = "link.code.prompt"
	NoticeInvalidEmail         Notice = "link.email.invalid"
	NoticeCodeSent             Notice = "link.code.sent"
	NoticeLinkCodeSent         Notice = "link.code.sent_link"
	NoticeEmailConflict        Notice = "link.email.conflict"
	NoticeEmailUnverified      Notice = "link.email.unverified"
	NoticeAlreadyVerified      Notice = "link.email.already_verified"
	NoticeInvalidCode          Notice = "link.code.invalid"
	NoticeCodeMismatch         Notice = "link.code.mismatch"
	NoticeCodeExpired          Notice = "link.code.expired"
	NoticeCodeLocked           Notice = "link.code.locked"
	NoticeNoChallenge          Notice = "link.code.none"
	NoticeRegistered           Notice = "link.done.registered"
	NoticeLinked               Notice = "link.done.linked"
	NoticeCodeResent           Notice = "link.code.resent"
	NoticeResendTooSoon        Notice = "link.code.resend_too_soon"
	NoticeNothingToResend      Notice = "link.code.nothing_to_resend"
	NoticeCancelled            Notice = "link.cancelled"
	NoticeTryAgain             Notice = "link.error.try_again"
	NoticeActionFailed         Notice = "link.action.failed"
)
