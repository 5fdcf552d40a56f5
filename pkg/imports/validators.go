package imports

type ListImportsQuery struct {
	Limit  int     `query:"limit" json:"limit,omitempty" default:"20" validate:"min=1,max=100"`
	Offset int     `query:"offset" json:"offset,omitempty" validate:"min=0"`
	Source *string `query:"source" json:"source,omitempty" validate:"omitempty,oneof=plugin uploaded_file pulled_file"`
	State  *string `query:"state" json:"state,omitempty" validate:"omitempty,oneof=received adapting validated upserting committed rejected failed"`
}
