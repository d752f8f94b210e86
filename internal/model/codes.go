package model

// PreProcessCode is the Admission stage's verdict: 0 ok, 1-9
// format/content, 10-29 permission, 30-49 business limits, 50+ system
// errors. Kicked=15 covers the case where a sender was removed from a
// group between the membership check and the send.
type PreProcessCode int

const (
	CodeOK PreProcessCode = 0

	CodeInvalidFormat  PreProcessCode = 1
	CodeInvalidContent PreProcessCode = 2

	CodeNotFriend       PreProcessCode = 10
	CodeInBlacklist     PreProcessCode = 11
	CodeNotGroupMember  PreProcessCode = 12
	CodeMuted           PreProcessCode = 13
	CodeGroupMuted      PreProcessCode = 14
	CodeKicked          PreProcessCode = 15
	CodeGroupDissolved  PreProcessCode = 16
	CodeUserBanned      PreProcessCode = 17
	CodeDeviceBanned    PreProcessCode = 18

	CodeFrequencyLimit      PreProcessCode = 30
	CodePrivateMessageLimit PreProcessCode = 31
	CodeGroupMessageLimit   PreProcessCode = 32
	CodeContentLengthLimit  PreProcessCode = 33
	CodeAttachmentSizeLimit PreProcessCode = 34

	CodeSystemError        PreProcessCode = 50
	CodeServiceUnavailable PreProcessCode = 51
	CodeDatabaseError      PreProcessCode = 52
	CodeCacheError         PreProcessCode = 53
)

func (c PreProcessCode) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeInvalidFormat:
		return "InvalidFormat"
	case CodeInvalidContent:
		return "InvalidContent"
	case CodeNotFriend:
		return "NotFriend"
	case CodeInBlacklist:
		return "InBlacklist"
	case CodeNotGroupMember:
		return "NotGroupMember"
	case CodeMuted:
		return "Muted"
	case CodeGroupMuted:
		return "GroupMuted"
	case CodeKicked:
		return "Kicked"
	case CodeGroupDissolved:
		return "GroupDissolved"
	case CodeUserBanned:
		return "UserBanned"
	case CodeDeviceBanned:
		return "DeviceBanned"
	case CodeFrequencyLimit:
		return "FrequencyLimit"
	case CodePrivateMessageLimit:
		return "PrivateMessageLimit"
	case CodeGroupMessageLimit:
		return "GroupMessageLimit"
	case CodeContentLengthLimit:
		return "ContentLengthLimit"
	case CodeAttachmentSizeLimit:
		return "AttachmentSizeLimit"
	case CodeSystemError:
		return "SystemError"
	case CodeServiceUnavailable:
		return "ServiceUnavailable"
	case CodeDatabaseError:
		return "DatabaseError"
	case CodeCacheError:
		return "CacheError"
	default:
		return "Unknown"
	}
}

// IsPermissionError reports whether the code is in the 10-29 range.
func (c PreProcessCode) IsPermissionError() bool {
	return c >= 10 && c <= 29
}

// IsBusinessLimit reports whether the code is in the 30-49 range.
func (c PreProcessCode) IsBusinessLimit() bool {
	return c >= 30 && c <= 49
}

// IsSystemError reports whether the code is 50 or above.
func (c PreProcessCode) IsSystemError() bool {
	return c >= 50
}
