package domain

type RouterRequestEnqueueTask struct {
	Type    string `json:"type" form:"type" binding:"required,validate_task_type"`
	Payload string `json:"payload" binding:"required,validate_payload"`
}
