// Package domain models per-field satellite products and the pure transforms
// applied to them between acquisition and materialization.
//
// # Data Source
//
// Rasters come from a rasdaman WCS endpoint (the JKI datacube by default).
// Each request clips one coverage layer to one field polygon on one calendar
// day and returns a GeoTIFF. Layers in use:
//
//	codede_reflectanceXboaXs2gg_irregular   Sentinel-2 bottom-of-atmosphere reflectance
//	codede_gamma0XascXs1gg_irregular        Sentinel-1 gamma0 backscatter, ascending orbit
//	codede_gamma0XdescXs1gg_irregular       Sentinel-1 gamma0 backscatter, descending orbit
//	dwd_*_daily                             DWD daily weather grids (point series)
//
// # Raster Conventions
//
// Nodata is always 0. A returned tile can still be empty: the service answers
// with a syntactically valid GeoTIFF whose pixels are all zero when no scene
// intersects the polygon on that day. Some payloads also carry a float
// sentinel (see [NaNSentinel]) in place of NaN.
//
// Pixel layout in [Raster] is band-major, row-major: Bands[b][y*Width+x].
// GeoTransform follows the GDAL convention:
//
//	x = gt[0] + col*gt[1] + row*gt[2]
//	y = gt[3] + col*gt[4] + row*gt[5]
//
// # Indices
//
// Optical index (NDVI-equivalent):
//
//	(nir - red) / (nir + red), nir and red selected by band index
//	defaults: band 8 and band 3 (1-based), at least 8 bands required
//
// Radar index (RVI):
//
//	4*b1 / (b0 + b1) over the first two bands
//
// Division by zero and NaN results become 0. Both indices are then min-max
// normalized to [0,1] over the tile. Normalization is per tile, so index
// values from different tiles or dates are NOT comparable in absolute terms;
// they are meant for per-tile visualization and relative patterns.
//
// # Growing Degree Days
//
// Daily contribution is max(0, (tmin+tmax)/2 - base); the series is the
// running sum rounded to two decimals. See [AccumulateGDD].
//
// # ID Generation
//
// Field IDs are SHA-256 hashes of the GeoJSON geometry bytes plus the crop
// type tag, used as the primary key half of the field-day table. Product
// event IDs hash field|date|kind. Both are stable across re-runs so database
// upserts and published events are idempotent. See [FieldID] and [ProductID].
package domain
