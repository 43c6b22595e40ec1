package rbac

const (
	RoleInstructor = "instructor"
	RoleStudent    = "student"
)

const (
	PermPollCreate    = "poll:create"
	PermPollView      = "poll:view"
	PermPollViewKey   = "poll:view-answers"
	PermPollGrade     = "poll:grade"
	PermScoreViewAll  = "score:view-all"
	PermAssetUpload   = "asset:upload"
	PermSessionManage = "session:manage"
	PermSessionJoin   = "session:join"
	PermSessionAnswer = "session:answer"
)

// RolePermissions is the default policy for launch roles.
var RolePermissions = map[string][]string{
	RoleStudent: {
		PermPollView,
		PermSessionJoin,
		PermSessionAnswer,
	},
	RoleInstructor: {
		"poll:*",
		PermScoreViewAll,
		PermAssetUpload,
		PermSessionManage,
		PermSessionJoin,
	},
}
