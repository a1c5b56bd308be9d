package department

// Department is an organizational unit of the simulated company. Priority
// orders cross-department cooperation queues; SortOrder is the display and
// tie-break order.
type Department struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	DisplayName string `yaml:"display_name"`
	Priority    int    `yaml:"priority"`
	SortOrder   int    `yaml:"sort_order"`
}

// Planning is the department that receives CEO directives first and runs
// cross-department pre-processing before delegating internally.
const Planning = "planning"
