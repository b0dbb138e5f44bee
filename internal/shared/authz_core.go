package shared

// Capabilities checked by handlers. The current policy grants all of them to
// group admins and supervisors.
const (
	CapTasksAssign      = "tasks.assign"
	CapTasksUpdateAny   = "tasks.update_any"
	CapReportsReview    = "reports.review"
	CapCommentsModerate = "comments.moderate"
	CapMembersManage    = "members.manage"
	CapSystemInspect    = "system.inspect"
)

// CoreCapabilities lists every capability known to the application.
func CoreCapabilities() []string {
	return []string{
		CapTasksAssign,
		CapTasksUpdateAny,
		CapReportsReview,
		CapCommentsModerate,
		CapMembersManage,
		CapSystemInspect,
	}
}
