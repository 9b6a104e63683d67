package domains

import "time"

// Event is a show, rehearsal or other scheduled activity.
type Event struct {
	ID           string    `json:"id"`
	WorkspaceID  string    `json:"workspace_id"`
	ProductionID string    `json:"production_id,omitempty"`
	LocationID   string    `json:"location_id,omitempty"`
	Name         string    `json:"name"`
	EventType    string    `json:"event_type,omitempty"`
	Status       string    `json:"status,omitempty"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// RunOfShowItem is one cue in an event's running order.
type RunOfShowItem struct {
	ID              string    `json:"id"`
	WorkspaceID     string    `json:"workspace_id"`
	EventID         string    `json:"event_id"`
	SequenceNumber  int       `json:"sequence_number"`
	Title           string    `json:"title"`
	DurationMinutes int       `json:"duration_minutes,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Booking is a hotel or venue block.
type Booking struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	EventID     string    `json:"event_id,omitempty"`
	GuestName   string    `json:"guest_name"`
	Status      string    `json:"status,omitempty"`
	CheckIn     string    `json:"check_in"`
	CheckOut    string    `json:"check_out,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Incident is a safety or operations report.
type Incident struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	EventID     string    `json:"event_id,omitempty"`
	Title       string    `json:"title"`
	Severity    string    `json:"severity,omitempty"`
	Status      string    `json:"status,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// Tour is a run of dates for one production.
type Tour struct {
	ID           string    `json:"id"`
	WorkspaceID  string    `json:"workspace_id"`
	ProductionID string    `json:"production_id,omitempty"`
	Name         string    `json:"name"`
	StartDate    string    `json:"start_date"`
	EndDate      string    `json:"end_date,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Shipment is freight moving between locations.
type Shipment struct {
	ID             string    `json:"id"`
	WorkspaceID    string    `json:"workspace_id"`
	ProductionID   string    `json:"production_id,omitempty"`
	TrackingNumber string    `json:"tracking_number,omitempty"`
	Carrier        string    `json:"carrier,omitempty"`
	Status         string    `json:"status,omitempty"`
	ShipDate       string    `json:"ship_date"`
	CreatedAt      time.Time `json:"created_at"`
}

// FileItem is one stored document.
type FileItem struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	FolderID    string    `json:"folder_id,omitempty"`
	Name        string    `json:"name"`
	Path        string    `json:"path,omitempty"`
	MimeType    string    `json:"mime_type,omitempty"`
	Size        int64     `json:"size,omitempty"`
	Category    string    `json:"category,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Folder groups files.
type Folder struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	ParentID    string    `json:"parent_id,omitempty"`
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	CreatedAt   time.Time `json:"created_at"`
}

// FileShare grants someone access to a file.
type FileShare struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	FileID      string    `json:"file_id"`
	SharedWith  string    `json:"shared_with"`
	Permission  string    `json:"permission,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// FileVersion is one uploaded revision of a file.
type FileVersion struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	FileID      string    `json:"file_id"`
	Version     int       `json:"version"`
	Path        string    `json:"path,omitempty"`
	Size        int64     `json:"size,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Production is a project from pre-production through wrap.
type Production struct {
	ID               string    `json:"id"`
	WorkspaceID      string    `json:"workspace_id"`
	Name             string    `json:"name"`
	Status           string    `json:"status,omitempty"`
	ProjectManagerID string    `json:"project_manager_id,omitempty"`
	Budget           float64   `json:"budget,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Task is a unit of project work.
type Task struct {
	ID           string    `json:"id"`
	WorkspaceID  string    `json:"workspace_id"`
	ProductionID string    `json:"production_id,omitempty"`
	AssigneeID   string    `json:"assignee_id,omitempty"`
	Title        string    `json:"title"`
	Status       string    `json:"status,omitempty"`
	Priority     string    `json:"priority,omitempty"`
	DueDate      string    `json:"due_date,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Insight is a generated recommendation.
type Insight struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Title       string    `json:"title"`
	Category    string    `json:"category,omitempty"`
	Confidence  float64   `json:"confidence,omitempty"`
	Status      string    `json:"status,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Report is a saved report template.
type Report struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Name        string    `json:"name"`
	Category    string    `json:"category,omitempty"`
	Schedule    string    `json:"schedule,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Metric is a saved analytics view.
type Metric struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Name        string    `json:"name"`
	Value       float64   `json:"value,omitempty"`
	Unit        string    `json:"unit,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
