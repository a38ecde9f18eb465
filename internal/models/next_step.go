package models

// NextStepHistory is one entry in the append-only history of a customer's next step.
type NextStepHistory struct {
	ID         int64  `json:"id" gorm:"primaryKey;autoIncrement"`
	CustomerID int64  `json:"customer_id" gorm:"index;not null"`
	NextStep   string `json:"next_step" gorm:"not null"`
	CreatedBy  int64  `json:"created_by"`
	Username   string `json:"username,omitempty" gorm:"-"`
	CreatedAt  string `json:"created_at"`
}

// TableName returns the table name for NextStepHistory.
func (NextStepHistory) TableName() string {
	return "next_step_history"
}
