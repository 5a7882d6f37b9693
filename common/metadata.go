package common

// Raster metadata keys
const (
	MetadataFeatureFunctions = "FEATURE_FUNCTIONS"
	MetadataFeatureLabels    = "FEATURE_LABELS"
	MetadataChunkIndex       = "CHUNK_INDEX"
	MetadataTile             = "TILE"
	MetadataModule           = "FEATURE_MODULE"
	MetadataProcessingDate   = "PROCESSING_DATE"
)

// MetadataSeparator separates the items of a list in a metadata value
const MetadataSeparator = ","
