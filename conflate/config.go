package conflate

import "log/slog"

// Config is the unified configuration of the conflator.
type Config struct {
	Dataset  DatasetConfig  `yaml:"dataset" json:"dataset"`
	Labeling LabelingConfig `yaml:"labeling" json:"labeling"`
	HTTP     HTTPConfig     `yaml:"http" json:"http"`
	MQTT     MQTTConfig     `yaml:"mqtt" json:"mqtt"`
	LogLevel string         `yaml:"log_level,omitempty" json:"log_level,omitempty"`
}

// DatasetConfig holds the candidate pair generation settings.
type DatasetConfig struct {
	OverlapRange        []float64 `yaml:"overlap_range,omitempty" json:"overlap_range,omitempty"`
	SimilarityRange     []float64 `yaml:"similarity_range,omitempty" json:"similarity_range,omitempty"`
	MaxDistance         *float64  `yaml:"max_distance,omitempty" json:"max_distance,omitempty"`
	MaxOverlapOthers    *float64  `yaml:"max_overlap_others,omitempty" json:"max_overlap_others,omitempty"`
	SampleSize          int       `yaml:"sample_size,omitempty" json:"sample_size,omitempty"`
	NeighborhoodSamples int       `yaml:"neighborhood_samples,omitempty" json:"neighborhood_samples,omitempty"`
	H3Resolution        int       `yaml:"h3_resolution" json:"h3_resolution"`
	IDProperty          string    `yaml:"id_property,omitempty" json:"id_property,omitempty"`
	CRS                 string    `yaml:"crs" json:"crs"`
}

// LabelingConfig holds the annotation service settings.
type LabelingConfig struct {
	DataPath             string  `yaml:"data_path" json:"data_path"`
	ResultsDir           string  `yaml:"results_dir,omitempty" json:"results_dir,omitempty"`
	AnnotationRedundancy int     `yaml:"annotation_redundancy" json:"annotation_redundancy"`
	ConsensusMargin      int     `yaml:"consensus_margin" json:"consensus_margin"`
	RandomState          int64   `yaml:"random_state" json:"random_state"`
	NearRadius           float64 `yaml:"near_radius" json:"near_radius"`
	IncrementalCounts    bool    `yaml:"incremental_counts,omitempty" json:"incremental_counts,omitempty"`
	PreviewWorkers       int     `yaml:"preview_workers" json:"preview_workers"`
	PreviewDir           string  `yaml:"preview_dir,omitempty" json:"preview_dir,omitempty"`
}

// HTTPConfig holds the listener settings.
type HTTPConfig struct {
	Listen string `yaml:"listen" json:"listen"`
}

// MQTTConfig holds MQTT connection settings. An empty broker disables publication.
type MQTTConfig struct {
	Broker      string `yaml:"broker,omitempty" json:"broker,omitempty"`
	ClientID    string `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	Username    string `yaml:"username,omitempty" json:"username,omitempty"`
	Password    string `yaml:"password,omitempty" json:"password,omitempty"`
	TopicPrefix string `yaml:"topic_prefix" json:"topic_prefix"`
	QoS         byte   `yaml:"qos,omitempty" json:"qos,omitempty"`
	Retain      bool   `yaml:"retain,omitempty" json:"retain,omitempty"`
}

// DefaultConfig returns the settings used when no config file is given.
func DefaultConfig() *Config {
	return &Config{
		Dataset: DatasetConfig{
			H3Resolution: DefaultH3Resolution,
			CRS:          DefaultCRS,
		},
		Labeling: LabelingConfig{
			DataPath:        ".",
			ConsensusMargin: 1,
			RandomState:     int64(DefaultSeed),
			NearRadius:      DefaultNearRadius,
			PreviewWorkers:  2,
		},
		HTTP:     HTTPConfig{Listen: ":8080"},
		MQTT:     MQTTConfig{TopicPrefix: "conflator"},
		LogLevel: "info",
	}
}

// GeneratorOptions translates the dataset section. Ranges equal to [0, 1] filter
// nothing and are dropped.
func (d DatasetConfig) GeneratorOptions(seed int64) GeneratorOptions {
	return GeneratorOptions{
		OverlapRange:        rangeOf(d.OverlapRange),
		SimilarityRange:     rangeOf(d.SimilarityRange),
		MaxDistance:         d.MaxDistance,
		MaxOverlapOthers:    d.MaxOverlapOthers,
		SampleSize:          d.SampleSize,
		NeighborhoodSamples: d.NeighborhoodSamples,
		Seed:                uint64(seed),
	}
}

func rangeOf(bounds []float64) *Range {
	if len(bounds) != 2 {
		return nil
	}
	r := Range{Min: bounds[0], Max: bounds[1]}
	if r.IsIdentity() {
		return nil
	}
	return &r
}

// StateOptions translates the labeling section.
func (l LabelingConfig) StateOptions() StateOptions {
	return StateOptions{
		AnnotationRedundancy: l.AnnotationRedundancy,
		ConsensusMargin:      l.ConsensusMargin,
		Seed:                 uint64(l.RandomState),
		NearRadius:           l.NearRadius,
		IncrementalCounts:    l.IncrementalCounts,
	}
}

// Level maps log_level to a slog level; unknown values mean info.
func (c *Config) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
