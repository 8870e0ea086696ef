package domain

type (
	StageName string
	StageID   string
)

type Stage struct {
	ID   StageID
	Name StageName
}
