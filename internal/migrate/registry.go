package migrate

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Registry returns every agrifarm migration in apply order.
func Registry() []Migration {
	return []Migration{
		{ID: 1732000000000, Name: "CreateCoreTables", Up: createCoreTablesUp, Down: createCoreTablesDown},
		{ID: 1732259000000, Name: "CreateFarmsTables", Up: createFarmsTablesUp, Down: createFarmsTablesDown},
		{ID: 1732260000000, Name: "SeedCrops", Up: seedCropsUp, Down: seedCropsDown},
		{ID: 1732261000000, Name: "AddCropNameToFarmActivity", Up: addCropNameUp, Down: addCropNameDown},
		{ID: 1732262000000, Name: "MakeCostRevenueNullable", Up: costRevenueNullableUp, Down: costRevenueNullableDown},
		{ID: 1732263000000, Name: "AddCropToArea", Up: addCropToAreaUp, Down: addCropToAreaDown},
		{ID: 1732285000000, Name: "IncreaseCostRevenuePrecision", Up: costRevenuePrecisionUp, Down: costRevenuePrecisionDown},
		{ID: 1732537800000, Name: "AddContactPhoneToInstallationRequest", Up: addContactPhoneUp, Down: addContactPhoneDown},
		{ID: 1732604400000, Name: "AddCascadeDeleteToInstallationRequests", Up: cascadeInstallationUp, Down: cascadeInstallationDown},
	}
}

func createCoreTablesUp(tx *sql.Tx) error {
	return execAll(tx,
		`CREATE TABLE users (
			id                  TEXT PRIMARY KEY,
			email               TEXT NOT NULL UNIQUE,
			full_name           TEXT NOT NULL DEFAULT '',
			role                TEXT NOT NULL DEFAULT 'FARMER' CHECK (role IN ('ADMIN', 'FARMER', 'TECHNICIAN')),
			plan                TEXT NOT NULL DEFAULT 'FREE' CHECK (plan IN ('FREE', 'PREMIUM')),
			subscription_status TEXT NOT NULL DEFAULT 'TRIAL' CHECK (subscription_status IN ('TRIAL', 'ACTIVE', 'INACTIVE', 'EXPIRED')),
			credits             INTEGER NOT NULL DEFAULT 0 CHECK (credits >= 0),
			is_active           INTEGER NOT NULL DEFAULT 1,
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL
		)`,
		`CREATE TABLE conversations (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			title           TEXT NOT NULL,
			description     TEXT,
			status          TEXT NOT NULL DEFAULT 'ACTIVE' CHECK (status IN ('ACTIVE', 'ARCHIVED', 'DELETED')),
			last_message_at TEXT,
			message_count   INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		)`,
		`CREATE INDEX idx_conversations_user ON conversations(user_id, status, last_message_at)`,
		`CREATE TABLE messages (
			id               TEXT PRIMARY KEY,
			conversation_id  TEXT NOT NULL REFERENCES conversations(id),
			content          TEXT NOT NULL,
			type             TEXT NOT NULL CHECK (type IN ('USER', 'ASSISTANT', 'SYSTEM')),
			status           TEXT NOT NULL DEFAULT 'SENT' CHECK (status IN ('SENT', 'DELIVERED', 'READ', 'FAILED')),
			metadata         TEXT,
			intent           TEXT,
			confidence       REAL,
			response_time_ms INTEGER,
			created_at       TEXT NOT NULL
		)`,
		`CREATE INDEX idx_messages_conversation ON messages(conversation_id, created_at)`,
		`CREATE TABLE knowledge_documents (
			id           TEXT PRIMARY KEY,
			owner_id     TEXT REFERENCES users(id) ON DELETE SET NULL,
			filename     TEXT NOT NULL,
			content_type TEXT NOT NULL,
			source_text  TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'PENDING' CHECK (status IN ('PENDING', 'PROCESSED', 'FAILED')),
			chunk_count  INTEGER NOT NULL DEFAULT 0,
			error        TEXT,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		)`,
		`CREATE TABLE knowledge_chunks (
			id          TEXT PRIMARY KEY,
			document_id TEXT NOT NULL REFERENCES knowledge_documents(id) ON DELETE CASCADE,
			seq         INTEGER NOT NULL,
			heading     TEXT NOT NULL DEFAULT '',
			content     TEXT NOT NULL,
			normalized  TEXT NOT NULL,
			embedding   TEXT,
			created_at  TEXT NOT NULL
		)`,
		`CREATE INDEX idx_knowledge_chunks_document ON knowledge_chunks(document_id, seq)`,
	)
}

func createCoreTablesDown(tx *sql.Tx) error {
	return execAll(tx,
		`DROP TABLE knowledge_chunks`,
		`DROP TABLE knowledge_documents`,
		`DROP TABLE messages`,
		`DROP TABLE conversations`,
		`DROP TABLE users`,
	)
}

// farmActivitiesDDL renders farm_activities with the given cost and
// revenue column type. Rebuilds always include crop_name since they run
// after AddCropNameToFarmActivity.
func farmActivitiesDDL(decimal string, nullable, cropName bool) string {
	money := decimal + " NOT NULL DEFAULT 0"
	if nullable {
		money = decimal + " DEFAULT 0"
	}
	extra := ""
	if cropName {
		extra = ",\n\t\t\tcrop_name   VARCHAR(255) NULL"
	}
	return fmt.Sprintf(`CREATE TABLE farm_activities (
			id          TEXT PRIMARY KEY,
			farm_id     TEXT NOT NULL REFERENCES farms(id) ON DELETE CASCADE,
			area_id     TEXT REFERENCES areas(id) ON DELETE SET NULL,
			crop_id     TEXT REFERENCES crops(id) ON DELETE SET NULL,
			type        TEXT NOT NULL DEFAULT 'OTHER' CHECK (type IN ('SEEDING', 'FERTILIZE', 'PESTICIDE', 'HARVEST', 'OTHER')),
			date        TEXT NOT NULL,
			description TEXT,
			cost        %[1]s,
			revenue     %[1]s,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL%[2]s
		)`, money, extra)
}

const farmActivitiesIndex = `CREATE INDEX idx_farm_activities_farm ON farm_activities(farm_id, date)`

// installationRequestsDDL renders installation_requests. The farmer,
// farm and area foreign keys cascade when cascade is set.
func installationRequestsDDL(cascade, contactPhone bool) string {
	onDelete := "NO ACTION"
	if cascade {
		onDelete = "CASCADE"
	}
	extra := ""
	if contactPhone {
		extra = ",\n\t\t\tcontact_phone          VARCHAR(20)"
	}
	ddl := strings.ReplaceAll(`CREATE TABLE installation_requests (
			id                     TEXT PRIMARY KEY,
			farmer_id              TEXT NOT NULL REFERENCES users(id) ON DELETE {{on_delete}},
			farm_id                TEXT NOT NULL REFERENCES farms(id) ON DELETE {{on_delete}},
			area_id                TEXT REFERENCES areas(id) ON DELETE {{on_delete}},
			notes                  TEXT,
			status                 TEXT NOT NULL DEFAULT 'PENDING' CHECK (status IN ('PENDING', 'ASSIGNED', 'IN_PROGRESS', 'COMPLETED', 'CANCELLED')),
			is_paid                INTEGER NOT NULL DEFAULT 0,
			payment_date           TEXT,
			assigned_technician_id TEXT REFERENCES users(id),
			device_id              TEXT REFERENCES devices(id) ON DELETE SET NULL,
			created_at             TEXT NOT NULL,
			updated_at             TEXT NOT NULL{{extra}}
		)`, "{{on_delete}}", onDelete)
	return strings.Replace(ddl, "{{extra}}", extra, 1)
}

const installationRequestsIndex = `CREATE INDEX idx_installation_requests_farmer ON installation_requests(farmer_id, status)`

func createFarmsTablesUp(tx *sql.Tx) error {
	return execAll(tx,
		`CREATE TABLE crops (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL UNIQUE,
			description     TEXT,
			technical_guide TEXT,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		)`,
		`CREATE TABLE farms (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL UNIQUE REFERENCES users(id),
			name        TEXT NOT NULL,
			address     TEXT,
			description TEXT,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		)`,
		`CREATE TABLE areas (
			id          TEXT PRIMARY KEY,
			farm_id     TEXT NOT NULL REFERENCES farms(id) ON DELETE CASCADE,
			name        TEXT NOT NULL,
			type        TEXT,
			description TEXT,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		)`,
		farmActivitiesDDL("DECIMAL(10,2)", false, false),
		farmActivitiesIndex,
		`CREATE TABLE devices (
			id            TEXT PRIMARY KEY,
			serial_number TEXT NOT NULL UNIQUE,
			name          TEXT NOT NULL,
			type          TEXT NOT NULL DEFAULT 'CONTROLLER' CHECK (type IN ('SENSOR_NODE', 'CONTROLLER', 'GATEWAY')),
			status        TEXT NOT NULL DEFAULT 'PENDING' CHECK (status IN ('PENDING', 'ACTIVE', 'INACTIVE')),
			is_active     INTEGER NOT NULL DEFAULT 0,
			owner_id      TEXT REFERENCES users(id) ON DELETE SET NULL,
			farm_id       TEXT REFERENCES farms(id) ON DELETE SET NULL,
			area_id       TEXT REFERENCES areas(id) ON DELETE SET NULL,
			last_seen_at  TEXT,
			activated_at  TEXT,
			activated_by  TEXT,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		)`,
		`CREATE INDEX idx_devices_owner ON devices(owner_id)`,
		`CREATE INDEX idx_devices_area ON devices(area_id)`,
		`CREATE TABLE sensor_data (
			id            TEXT PRIMARY KEY,
			device_id     TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			temperature   REAL,
			humidity      REAL,
			soil_moisture REAL,
			light_level   REAL,
			timestamp     TEXT NOT NULL
		)`,
		`CREATE INDEX idx_sensor_data_device ON sensor_data(device_id, timestamp)`,
		`CREATE TABLE irrigation_events (
			id                   TEXT PRIMARY KEY,
			device_id            TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			user_id              TEXT REFERENCES users(id) ON DELETE SET NULL,
			type                 TEXT NOT NULL CHECK (type IN ('manual_on', 'manual_off', 'duration', 'auto', 'auto_config_update')),
			status               TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
			duration_seconds     INTEGER,
			soil_moisture_before REAL,
			soil_moisture_after  REAL,
			actual_duration      INTEGER,
			error_message        TEXT,
			started_at           TEXT,
			completed_at         TEXT,
			created_at           TEXT NOT NULL
		)`,
		`CREATE INDEX idx_irrigation_events_device ON irrigation_events(device_id, created_at)`,
		`CREATE TABLE lighting_events (
			id          TEXT PRIMARY KEY,
			device_id   TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			user_id     TEXT REFERENCES users(id) ON DELETE SET NULL,
			action      TEXT NOT NULL CHECK (action IN ('on', 'off', 'auto_config_update')),
			source      TEXT NOT NULL CHECK (source IN ('manual', 'auto', 'device')),
			light_level REAL,
			created_at  TEXT NOT NULL
		)`,
		`CREATE INDEX idx_lighting_events_device ON lighting_events(device_id, created_at)`,
		`CREATE TABLE device_auto_configs (
			device_id        TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			kind             TEXT NOT NULL CHECK (kind IN ('irrigation', 'lighting')),
			enabled          INTEGER NOT NULL DEFAULT 0,
			threshold        REAL NOT NULL,
			duration_seconds INTEGER,
			cooldown_seconds INTEGER,
			updated_at       TEXT NOT NULL,
			PRIMARY KEY (device_id, kind)
		)`,
		installationRequestsDDL(false, false),
		installationRequestsIndex,
	)
}

func createFarmsTablesDown(tx *sql.Tx) error {
	return execAll(tx,
		`DROP TABLE installation_requests`,
		`DROP TABLE device_auto_configs`,
		`DROP TABLE lighting_events`,
		`DROP TABLE irrigation_events`,
		`DROP TABLE sensor_data`,
		`DROP TABLE devices`,
		`DROP TABLE farm_activities`,
		`DROP TABLE areas`,
		`DROP TABLE farms`,
		`DROP TABLE crops`,
	)
}

// SeedCropNames lists the crops inserted by SeedCrops.
var SeedCropNames = []string{
	"Cam sành", "Lúa ST25", "Xoài cát chu", "Bưởi da xanh", "Chanh không hạt",
	"Cà phê robusta", "Tiêu đen", "Sầu riêng Ri6", "Thanh long ruột đỏ", "Măng cụt",
}

var seedCropDescriptions = map[string]string{
	"Cam sành":           "Cây ăn quả họ cam quýt, được trồng phổ biến ở miền Nam Việt Nam",
	"Lúa ST25":           "Giống lúa thơm đặc sản, đoạt giải lúa gạo ngon nhất thế giới năm 2019",
	"Xoài cát chu":       "Giống xoài nổi tiếng tại Đồng Tháp, có hương vị thơm ngọt",
	"Bưởi da xanh":       "Đặc sản miền Tây, thịt quả ngọt, ít chua",
	"Chanh không hạt":    "Cây gia vị phổ biến, dùng trong nấu ăn và làm đồ uống",
	"Cà phê robusta":     "Cây công nghiệp chủ lực tại Tây Nguyên",
	"Tiêu đen":           "Cây gia vị có giá trị kinh tế cao",
	"Sầu riêng Ri6":      "Giống sầu riêng cao cấp, thịt dày, béo, ít xơ",
	"Thanh long ruột đỏ": "Trái cây ăn tươi, xuất khẩu nhiều",
	"Măng cụt":           "Trái cây quý, được mệnh danh là nữ hoàng trái cây",
}

func seedCropsUp(tx *sql.Tx) error {
	now := nowText()
	for _, name := range SeedCropNames {
		_, err := tx.Exec(
			`INSERT INTO crops (id, name, description, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?) ON CONFLICT (name) DO NOTHING`,
			newID(), name, seedCropDescriptions[name], now, now)
		if err != nil {
			return fmt.Errorf("seed crop %s: %w", name, err)
		}
	}
	return nil
}

func seedCropsDown(tx *sql.Tx) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(SeedCropNames)), ", ")
	args := make([]any, len(SeedCropNames))
	for i, n := range SeedCropNames {
		args[i] = n
	}
	_, err := tx.Exec(`DELETE FROM crops WHERE name IN (`+placeholders+`)`, args...)
	return err
}

func addCropNameUp(tx *sql.Tx) error {
	return execAll(tx, `ALTER TABLE farm_activities ADD COLUMN crop_name VARCHAR(255) NULL`)
}

func addCropNameDown(tx *sql.Tx) error {
	return execAll(tx, `ALTER TABLE farm_activities DROP COLUMN crop_name`)
}

func costRevenueNullableUp(tx *sql.Tx) error {
	return rebuildTable(tx, "farm_activities", farmActivitiesDDL("DECIMAL(10,2)", true, true), nil, farmActivitiesIndex)
}

func costRevenueNullableDown(tx *sql.Tx) error {
	return rebuildTable(tx, "farm_activities", farmActivitiesDDL("DECIMAL(10,2)", false, true),
		map[string]string{"cost": "COALESCE(cost, 0)", "revenue": "COALESCE(revenue, 0)"},
		farmActivitiesIndex)
}

func addCropToAreaUp(tx *sql.Tx) error {
	return execAll(tx, `ALTER TABLE areas ADD COLUMN crop VARCHAR(255) NULL`)
}

func addCropToAreaDown(tx *sql.Tx) error {
	return execAll(tx, `ALTER TABLE areas DROP COLUMN crop`)
}

func costRevenuePrecisionUp(tx *sql.Tx) error {
	return rebuildTable(tx, "farm_activities", farmActivitiesDDL("DECIMAL(15,2)", true, true), nil, farmActivitiesIndex)
}

// decimal10Limit is the smallest magnitude DECIMAL(10,2) cannot hold.
const decimal10Limit = 1e8

func costRevenuePrecisionDown(tx *sql.Tx) error {
	var largest float64
	err := tx.QueryRow(`SELECT COALESCE(MAX(MAX(ABS(COALESCE(cost, 0)), ABS(COALESCE(revenue, 0)))), 0)
		FROM farm_activities`).Scan(&largest)
	if err != nil {
		return fmt.Errorf("check cost/revenue range: %w", err)
	}
	if largest >= decimal10Limit {
		return fmt.Errorf("farm_activities holds %.2f: %w", largest, ErrOutOfRange)
	}
	return rebuildTable(tx, "farm_activities", farmActivitiesDDL("DECIMAL(10,2)", true, true), nil, farmActivitiesIndex)
}

func addContactPhoneUp(tx *sql.Tx) error {
	has, err := hasColumn(tx, "installation_requests", "contact_phone")
	if err != nil || has {
		return err
	}
	return execAll(tx, `ALTER TABLE installation_requests ADD COLUMN contact_phone VARCHAR(20)`)
}

func addContactPhoneDown(tx *sql.Tx) error {
	return execAll(tx, `ALTER TABLE installation_requests DROP COLUMN contact_phone`)
}

func cascadeInstallationUp(tx *sql.Tx) error {
	return rebuildTable(tx, "installation_requests", installationRequestsDDL(true, true), nil, installationRequestsIndex)
}

func cascadeInstallationDown(tx *sql.Tx) error {
	return rebuildTable(tx, "installation_requests", installationRequestsDDL(false, true), nil, installationRequestsIndex)
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func nowText() string {
	return time.Now().UTC().Format(time.RFC3339)
}
